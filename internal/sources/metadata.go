package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"primamateria.systems/propsd/internal/properties"
)

// ErrConnectionRefused marks the metadata service actively refusing
// connections, so the plugin manager can tell an absent metadata service
// apart from ordinary fetch failures and keep retrying this source alone.
var ErrConnectionRefused = errors.New("CONNECTION_REFUSED")

// metadataPaths are the scalar leaves walked on every fetch, keyed by the
// property name they land under.
var metadataPaths = map[string]string{
	"ami-id":            "ami-id",
	"hostname":          "hostname",
	"instance-id":       "instance-id",
	"instance-type":     "instance-type",
	"local-hostname":    "local-hostname",
	"local-ipv4":        "local-ipv4",
	"public-hostname":   "public-hostname",
	"public-ipv4":       "public-ipv4",
	"reservation-id":    "reservation-id",
	"availability-zone": "placement/availability-zone",
}

type MetadataConfig struct {
	// Host overrides the instance-metadata endpoint, host:port.
	Host     string
	Interval time.Duration
}

const defaultMetadataInterval = 30 * time.Second

type metadataAPI interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
	GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

// MetadataSource walks a fixed hierarchy on the instance-metadata service and
// flattens it into a nested map under the reserved key `instance`. The
// service has no entity tags, so change detection hashes the resulting tree.
type MetadataSource struct {
	poller

	client metadataAPI
}

func NewMetadataSource(c MetadataConfig) *MetadataSource {
	if c.Interval <= 0 {
		c.Interval = defaultMetadataInterval
	}
	opts := imds.Options{}
	if c.Host != "" {
		opts.Endpoint = endpointFor(c.Host)
	}
	m := &MetadataSource{client: imds.New(opts)}
	m.poller.init("ec2-metadata", "ec2-metadata", c.Interval, m.fetchMetadata)
	return m
}

func endpointFor(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return fmt.Sprintf("http://%v", host)
}

func (m *MetadataSource) fetchMetadata(ctx context.Context, _ string) (*fetchResult, error) {
	instance := map[string]any{}

	for key, path := range metadataPaths {
		value, err := m.leaf(ctx, path)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, m.classify(err)
		}
		instance[key] = value
	}

	if doc, err := m.client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{}); err == nil {
		instance["account"] = doc.AccountID
		instance["region"] = doc.Region
		instance["image-id"] = doc.ImageID
	} else if !isNotFound(err) {
		return nil, m.classify(err)
	}

	if err := m.mergeCredentials(ctx, instance); err != nil {
		return nil, m.classify(err)
	}

	tree := map[string]any{"instance": instance}
	return &fetchResult{outcome: outcomeData, tree: tree, signature: properties.Hash(tree)}, nil
}

// mergeCredentials resolves the instance's IAM role and its JSON credentials
// document. Instances without a role are left as-is.
func (m *MetadataSource) mergeCredentials(ctx context.Context, instance map[string]any) error {
	role, err := m.leaf(ctx, "iam/security-credentials/")
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	role = strings.TrimSpace(strings.SplitN(role, "\n", 2)[0])
	if role == "" {
		return nil
	}
	instance["iam-role"] = role

	raw, err := m.leaf(ctx, "iam/security-credentials/"+role)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	credentials := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &credentials); err != nil {
		return fmt.Errorf("error parsing credentials for role %v: %w", role, err)
	}
	instance["credentials"] = credentials
	return nil
}

func (m *MetadataSource) leaf(ctx context.Context, path string) (string, error) {
	out, err := m.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", err
	}
	defer func() {
		_ = out.Content.Close()
	}()
	data, err := io.ReadAll(out.Content)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *MetadataSource) classify(err error) error {
	if isConnectionRefused(err) {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	return err
}

func isNotFound(err error) bool {
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
