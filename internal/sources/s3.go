package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"primamateria.systems/propsd/internal/properties"
)

// S3Config parameterizes an object-store source.
type S3Config struct {
	Bucket   string
	Path     string
	Endpoint string
	Region   string
	Interval time.Duration
}

func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("need a bucket")
	}
	if c.Path == "" {
		return errors.New("need an object path")
	}
	return nil
}

// Parser turns a fetched payload into a property tree. The property-file and
// index-document layouts share a transport but not a schema, so the parser is
// injected at construction.
type Parser func(data []byte) (map[string]any, error)

// PropertiesParser reads a property file: {"version":"1.0","properties":{…}}.
func PropertiesParser(data []byte) (map[string]any, error) {
	var doc struct {
		Version    string         `json:"version"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing property file: %w", err)
	}
	if doc.Properties == nil {
		return map[string]any{}, nil
	}
	return doc.Properties, nil
}

// IndexParser reads an index document: {"version":"1.0","sources":[…]}. The
// source list is kept under the `sources` key of the returned tree.
func IndexParser(data []byte) (map[string]any, error) {
	var doc struct {
		Version string `json:"version"`
		Sources []any  `json:"sources"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing index document: %w", err)
	}
	return map[string]any{"sources": doc.Sources}, nil
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ObjectStoreSource fetches a JSON blob from S3 with ETag conditional GETs.
// A 304 is the no-update path; a missing object clears the tree rather than
// failing the source.
type ObjectStoreSource struct {
	poller

	conf  S3Config
	parse Parser

	client        s3API
	clientInit    sync.Once
	clientInitErr error
}

const DefaultInterval = 60 * time.Second

func NewObjectStoreSource(c S3Config, parse Parser) (*ObjectStoreSource, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 source: %w", err)
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	s := &ObjectStoreSource{conf: c, parse: parse}
	s.poller.init(fmt.Sprintf("s3-%v-%v", c.Bucket, c.Path), "s3", c.Interval, s.fetchObject)
	return s, nil
}

// ensureClient builds the default client on first use unless one was
// injected. The optional endpoint forces path-style addressing so that
// non-AWS object stores resolve.
func (s *ObjectStoreSource) ensureClient(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	s.clientInit.Do(func() {
		var opts []func(*awsconfig.LoadOptions) error
		if s.conf.Region != "" {
			opts = append(opts, awsconfig.WithRegion(s.conf.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			s.clientInitErr = fmt.Errorf("error loading aws config: %w", err)
			return
		}
		s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if s.conf.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.conf.Endpoint)
				o.UsePathStyle = true
			}
		})
	})
	return s.clientInitErr
}

func (s *ObjectStoreSource) fetchObject(ctx context.Context, signature string) (*fetchResult, error) {
	if err := s.ensureClient(ctx); err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.conf.Bucket),
		Key:    aws.String(s.conf.Path),
	}
	if signature != "" {
		input.IfNoneMatch = aws.String(signature)
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			switch respErr.HTTPStatusCode() {
			case http.StatusNotModified:
				return &fetchResult{outcome: outcomeUnchanged}, nil
			case http.StatusNotFound:
				return &fetchResult{outcome: outcomeMissing}, nil
			}
		}
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return &fetchResult{outcome: outcomeMissing}, nil
		}
		return nil, fmt.Errorf("error fetching s3://%v/%v: %w", s.conf.Bucket, s.conf.Path, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading s3://%v/%v: %w", s.conf.Bucket, s.conf.Path, err)
	}
	tree, err := s.parse(data)
	if err != nil {
		return nil, err
	}
	return &fetchResult{outcome: outcomeData, tree: tree, signature: s.signatureFor(out.ETag, tree)}, nil
}

func (s *ObjectStoreSource) signatureFor(etag *string, tree map[string]any) string {
	if tag := aws.ToString(etag); tag != "" {
		return tag
	}
	return properties.Hash(tree)
}
