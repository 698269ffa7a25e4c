package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/consul/api"
)

// ConsulConfig parameterizes a catalog source.
type ConsulConfig struct {
	Name string
	// Address overrides the agent address, host:port.
	Address string
}

const (
	consulWatchWait  = 5 * time.Minute
	consulRetryDelay = 5 * time.Second
)

// CatalogSource watches a consul catalog. A service-list watcher maintains
// one health watcher per (service, tag) pair; each health watcher records the
// sorted unique addresses of its entries under the reserved `consul` key as
// {name: {addresses: […]}}. A service whose entry list drains away is retired
// along with its watcher.
type CatalogSource struct {
	core

	client *api.Client

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	watchMu  sync.Mutex
	watchers map[string]context.CancelFunc
}

func NewCatalogSource(c ConsulConfig) (*CatalogSource, error) {
	conf := api.DefaultConfig()
	if c.Address != "" {
		conf.Address = c.Address
	}
	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("invalid consul source: %w", err)
	}
	name := c.Name
	if name == "" {
		name = "consul"
	}
	s := &CatalogSource{
		client:   client,
		watchers: make(map[string]context.CancelFunc),
	}
	s.core.init(name, "consul", 0)
	return s, nil
}

// Initialize starts the service-list watcher. Idempotent.
func (c *CatalogSource) Initialize() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.state = StateRunning
	c.mu.Unlock()

	log.Debug("starting source", "source", c.name, "type", c.typ)
	c.emit(Event{Type: EventStartup, Source: c.name})
	c.wg.Add(1)
	go c.watchServices(ctx)
}

// Shutdown tears down the service watcher and every health watcher, then
// emits the final shutdown event. Idempotent.
func (c *CatalogSource) Shutdown() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	log.Debug("stopped source", "source", c.name)
	c.emit(Event{Type: EventShutdown, Source: c.name})
	c.close()
}

func (c *CatalogSource) watchServices(ctx context.Context) {
	defer c.wg.Done()
	var index uint64
	for ctx.Err() == nil {
		opts := (&api.QueryOptions{WaitIndex: index, WaitTime: consulWatchWait}).WithContext(ctx)
		services, meta, err := c.client.Catalog().Services(opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(err)
			sleep(ctx, consulRetryDelay)
			continue
		}
		index = meta.LastIndex
		c.syncWatchers(ctx, services)
	}
}

// syncWatchers reconciles the set of health watchers with the current
// service list. Tagged services get one watcher per (service, tag); untagged
// services a single watcher.
func (c *CatalogSource) syncWatchers(ctx context.Context, services map[string][]string) {
	type target struct{ service, tag string }
	desired := make(map[string]target)
	for service, tags := range services {
		if len(tags) == 0 {
			desired[service] = target{service: service}
			continue
		}
		for _, tag := range tags {
			desired[fmt.Sprintf("%v-%v", service, tag)] = target{service: service, tag: tag}
		}
	}

	c.watchMu.Lock()
	for name, stop := range c.watchers {
		if _, ok := desired[name]; !ok {
			stop()
			delete(c.watchers, name)
			c.retire(name)
		}
	}
	for name, t := range desired {
		if _, ok := c.watchers[name]; ok {
			continue
		}
		watchCtx, stop := context.WithCancel(ctx)
		c.watchers[name] = stop
		c.wg.Add(1)
		go c.watchHealth(watchCtx, name, t.service, t.tag)
	}
	c.watchMu.Unlock()

	c.mu.Lock()
	c.ok = true
	c.state = StateRunning
	c.mu.Unlock()
}

func (c *CatalogSource) watchHealth(ctx context.Context, name, service, tag string) {
	defer c.wg.Done()
	var index uint64
	for ctx.Err() == nil {
		opts := (&api.QueryOptions{WaitIndex: index, WaitTime: consulWatchWait}).WithContext(ctx)
		entries, meta, err := c.client.Health().Service(service, tag, false, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(err)
			sleep(ctx, consulRetryDelay)
			continue
		}
		index = meta.LastIndex

		addresses := collectAddresses(entries)
		if len(addresses) == 0 {
			// Retired: the watcher ends with the entry.
			c.watchMu.Lock()
			if stop, ok := c.watchers[name]; ok {
				stop()
				delete(c.watchers, name)
			}
			c.watchMu.Unlock()
			c.retire(name)
			return
		}
		c.record(name, addresses)
	}
}

// collectAddresses returns the ascending-sorted unique addresses of the
// entries, preferring the service address over the node address.
func collectAddresses(entries []*api.ServiceEntry) []any {
	seen := make(map[string]struct{})
	for _, entry := range entries {
		address := ""
		if entry.Service != nil && entry.Service.Address != "" {
			address = entry.Service.Address
		} else if entry.Node != nil {
			address = entry.Node.Address
		}
		if address != "" {
			seen[address] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(seen))
	for address := range seen {
		sorted = append(sorted, address)
	}
	sort.Strings(sorted)
	out := make([]any, len(sorted))
	for i, address := range sorted {
		out[i] = address
	}
	return out
}

func (c *CatalogSource) record(name string, addresses []any) {
	c.mu.Lock()
	services, _ := c.props["consul"].(map[string]any)
	if existing, ok := services[name].(map[string]any); ok {
		if sameAddresses(existing["addresses"], addresses) {
			c.mu.Unlock()
			return
		}
	}
	next := rebuildServices(services)
	next[name] = map[string]any{"addresses": addresses}
	c.props = map[string]any{"consul": next}
	c.ok = true
	c.state = StateRunning
	c.updated = time.Now()
	c.mu.Unlock()

	log.Debug("consul service updated", "source", c.name, "service", name, "addresses", len(addresses))
	c.emit(Event{Type: EventUpdate, Source: c.name})
}

func (c *CatalogSource) retire(name string) {
	c.mu.Lock()
	services, _ := c.props["consul"].(map[string]any)
	if _, ok := services[name]; !ok {
		c.mu.Unlock()
		return
	}
	next := rebuildServices(services)
	delete(next, name)
	c.props = map[string]any{"consul": next}
	c.updated = time.Now()
	c.mu.Unlock()

	log.Debug("consul service retired", "source", c.name, "service", name)
	c.emit(Event{Type: EventUpdate, Source: c.name})
}

// rebuildServices shallow-copies the service map so installed trees are
// never mutated in place.
func rebuildServices(services map[string]any) map[string]any {
	next := make(map[string]any, len(services)+1)
	for k, v := range services {
		next[k] = v
	}
	return next
}

func sameAddresses(previous any, addresses []any) bool {
	prev, ok := previous.([]any)
	if !ok || len(prev) != len(addresses) {
		return false
	}
	for i := range prev {
		if prev[i] != addresses[i] {
			return false
		}
	}
	return true
}

func (c *CatalogSource) fail(err error) {
	c.mu.Lock()
	c.ok = false
	c.state = StateFailed
	c.mu.Unlock()
	log.Warn("error watching consul", "source", c.name, "error", err)
	c.emit(Event{Type: EventError, Source: c.name, Err: err})
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
