package propsd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"primamateria.systems/propsd/internal/api"
	"primamateria.systems/propsd/internal/plugins"
	"primamateria.systems/propsd/internal/secrets"
	"primamateria.systems/propsd/internal/sources"
	"primamateria.systems/propsd/internal/storage"
)

// Daemon is one assembled property server.
type Daemon struct {
	conf        *Config
	storage     *storage.Storage
	manager     *plugins.Manager
	transformer *secrets.Transformer
	server      *api.Server
}

func New(c *Config, version string) (*Daemon, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("error validating config: %w", err)
	}

	transformer := secrets.NewTransformer(secrets.NewClient(c.TokendHost, c.TokendPort), c.CacheTTL)
	store := storage.New(transformer, c.HoldDown)
	manager, err := plugins.New(plugins.Config{
		Bucket:   c.IndexBucket,
		Path:     c.IndexPath,
		Endpoint: c.IndexEndpoint,
		Region:   c.IndexRegion,
		Interval: c.IndexInterval,
		Metadata: sources.MetadataConfig{
			Host:     c.MetadataHost,
			Interval: c.MetadataInterval,
		},
	}, store)
	if err != nil {
		transformer.Close()
		return nil, err
	}

	return &Daemon{
		conf:        c,
		storage:     store,
		manager:     manager,
		transformer: transformer,
		server:      api.New(store, manager, version),
	}, nil
}

// Run starts the composition pipeline and serves the API until ctx is
// cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Info("starting propsd", "index", fmt.Sprintf("s3://%v/%v", d.conf.IndexBucket, d.conf.IndexPath))
	d.manager.Initialize()
	defer func() {
		d.manager.Shutdown()
		d.transformer.Close()
	}()
	return d.server.Serve(ctx, fmt.Sprintf("%v:%v", d.conf.Host, d.conf.Port))
}
