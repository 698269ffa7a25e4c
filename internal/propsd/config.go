// Package propsd wires the property server together: configuration, the
// storage layer, the plugin manager, the secret transformer, and the HTTP
// API.
package propsd

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

type Config struct {
	Host  string
	Port  int
	Debug bool

	IndexBucket   string
	IndexPath     string
	IndexEndpoint string
	IndexRegion   string
	IndexInterval time.Duration

	MetadataHost     string
	MetadataInterval time.Duration

	TokendHost string
	TokendPort int
	CacheTTL   time.Duration

	HoldDown time.Duration
}

const (
	defaultPort          = 9100
	defaultIndexPath     = "index.json"
	defaultIndexInterval = 60000
	defaultCacheTTL      = 300000
	defaultHoldDown      = 100
)

// NewConfig reads the merged koanf tree. Intervals are carried in
// milliseconds, matching the index document.
func NewConfig(k *koanf.Koanf) (*Config, error) {
	var c Config
	c.Host = k.String("service.host")
	c.Port = k.Int("service.port")
	c.Debug = k.Bool("debug")

	c.IndexBucket = k.String("index.bucket")
	c.IndexPath = k.String("index.path")
	c.IndexEndpoint = k.String("index.endpoint")
	c.IndexRegion = k.String("index.region")
	c.IndexInterval = time.Duration(k.Int64("index.interval")) * time.Millisecond

	c.MetadataHost = k.String("metadata.host")
	c.MetadataInterval = time.Duration(k.Int64("metadata.interval")) * time.Millisecond

	c.TokendHost = k.String("tokend.host")
	c.TokendPort = k.Int("tokend.port")
	c.CacheTTL = time.Duration(k.Int64("tokend.cache_ttl")) * time.Millisecond

	c.HoldDown = time.Duration(k.Int64("storage.hold_down")) * time.Millisecond

	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.IndexPath == "" {
		c.IndexPath = defaultIndexPath
	}
	if c.IndexInterval <= 0 {
		c.IndexInterval = defaultIndexInterval * time.Millisecond
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL * time.Millisecond
	}
	if c.HoldDown <= 0 {
		c.HoldDown = defaultHoldDown * time.Millisecond
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.IndexBucket == "" {
		return errors.New("need an index bucket")
	}
	if c.IndexPath == "" {
		return errors.New("need an index path")
	}
	return nil
}

func (c *Config) String() string {
	var result string
	result += fmt.Sprintf("Listen: %v:%v\n", c.Host, c.Port)
	result += fmt.Sprintf("Index: s3://%v/%v every %v\n", c.IndexBucket, c.IndexPath, c.IndexInterval)
	if c.IndexEndpoint != "" {
		result += fmt.Sprintf("Index endpoint: %v\n", c.IndexEndpoint)
	}
	if c.IndexRegion != "" {
		result += fmt.Sprintf("Index region: %v\n", c.IndexRegion)
	}
	if c.MetadataHost != "" {
		result += fmt.Sprintf("Metadata host: %v\n", c.MetadataHost)
	}
	result += fmt.Sprintf("Tokend: %v:%v (cache %v)\n", c.TokendHost, c.TokendPort, c.CacheTTL)
	result += fmt.Sprintf("Hold-down: %v\n", c.HoldDown)
	return result
}
