package secrets

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"primamateria.systems/propsd/internal/properties"
)

// SentinelKey marks a secret reference: any mapping whose sole key is
// $tokend is replaced by the resolved secret during a build.
const SentinelKey = "$tokend"

const (
	DefaultCacheTTL = 5 * time.Minute

	cacheWipeJitter = time.Minute
)

// Transformer walks property trees, resolves $tokend sentinels against the
// broker, and returns an overlay tree of substitutions. Resolved plaintexts
// are cached by the SHA-1 of the sentinel's canonical JSON; the whole cache
// is wiped every TTL plus up to a minute of jitter to bound staleness.
type Transformer struct {
	broker Broker
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]any

	stop     chan struct{}
	stopOnce sync.Once
}

func NewTransformer(broker Broker, ttl time.Duration) *Transformer {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	t := &Transformer{
		broker: broker,
		ttl:    ttl,
		cache:  make(map[string]any),
		stop:   make(chan struct{}),
	}
	go t.janitor()
	return t
}

// Close stops the cache janitor. Idempotent.
func (t *Transformer) Close() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

func (t *Transformer) janitor() {
	for {
		jitter := time.Duration(rand.Int63n(int64(cacheWipeJitter)))
		select {
		case <-t.stop:
			return
		case <-time.After(t.ttl + jitter):
			t.mu.Lock()
			t.cache = make(map[string]any)
			t.mu.Unlock()
			log.Debug("wiped secret cache", "ttl", t.ttl)
		}
	}
}

// Transform resolves every sentinel in tree and returns the overlay of
// substitutions, keyed at the sentinel paths. It never fails: unresolvable
// sentinels substitute null with a warning.
func (t *Transformer) Transform(ctx context.Context, tree map[string]any) map[string]any {
	overlay := make(map[string]any)
	for _, ref := range collect(tree, nil) {
		properties.Set(overlay, ref.path, t.resolve(ctx, ref.spec))
	}
	return overlay
}

type reference struct {
	path []string
	spec map[string]any
}

// collect finds sentinels depth-first. It does not descend below a sentinel,
// and it visits keys in sorted order so collection order is deterministic.
func collect(tree map[string]any, prefix []string) []reference {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var refs []reference
	for _, k := range keys {
		child, ok := tree[k].(map[string]any)
		if !ok {
			continue
		}
		path := append(append([]string{}, prefix...), k)
		if spec, ok := sentinel(child); ok {
			refs = append(refs, reference{path: path, spec: spec})
			continue
		}
		refs = append(refs, collect(child, path)...)
	}
	return refs
}

func sentinel(m map[string]any) (map[string]any, bool) {
	if len(m) != 1 {
		return nil, false
	}
	spec, ok := m[SentinelKey].(map[string]any)
	return spec, ok
}

func (t *Transformer) resolve(ctx context.Context, spec map[string]any) any {
	signature := properties.Hash(spec)
	t.mu.Lock()
	if cached, ok := t.cache[signature]; ok {
		t.mu.Unlock()
		return cached
	}
	t.mu.Unlock()

	kind, _ := spec["type"].(string)
	resource, _ := spec["resource"].(string)

	var response map[string]any
	var err error
	switch kind {
	case "generic":
		response, err = t.broker.Get(ctx, resource)
	case "transit":
		response, err = t.broker.Post(ctx, resource, map[string]any{
			"key":        spec["key"],
			"ciphertext": spec["ciphertext"],
		})
	case "kms":
		payload := map[string]any{
			"key":        "KMS",
			"ciphertext": spec["ciphertext"],
		}
		if region, ok := spec["region"]; ok {
			payload["region"] = region
		}
		if datakey, ok := spec["datakey"]; ok {
			payload["datakey"] = datakey
		}
		response, err = t.broker.Post(ctx, resource, payload)
	default:
		log.Warn("unknown secret type, substituting null", "type", kind, "resource", resource)
		return nil
	}
	if err != nil {
		log.Warn("error resolving secret, substituting null", "resource", resource, "error", err)
		return nil
	}

	plaintext, ok := response["plaintext"]
	if !ok {
		log.Warn("secret response missing plaintext, substituting null", "resource", resource)
		return nil
	}
	t.mu.Lock()
	t.cache[signature] = plaintext
	t.mu.Unlock()
	return plaintext
}
