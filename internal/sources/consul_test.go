package sources

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// consulHandler serves the two catalog endpoints the source watches. The
// first request on each path answers immediately; blocking queries (any
// request carrying an index) hang until the client goes away, like a quiet
// consul agent would.
func consulHandler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	block := func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Query().Get("index") != "" {
			<-r.Context().Done()
			return true
		}
		return false
	}
	mux.HandleFunc("/v1/catalog/services", func(w http.ResponseWriter, r *http.Request) {
		if block(w, r) {
			return
		}
		w.Header().Set("X-Consul-Index", "10")
		_ = json.NewEncoder(w).Encode(map[string][]string{
			"web": {},
			"db":  {"primary"},
		})
	})
	mux.HandleFunc("/v1/health/service/web", func(w http.ResponseWriter, r *http.Request) {
		if block(w, r) {
			return
		}
		w.Header().Set("X-Consul-Index", "10")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"Node": map[string]any{"Address": "10.0.0.2"}, "Service": map[string]any{"Address": ""}},
			{"Node": map[string]any{"Address": "10.0.0.9"}, "Service": map[string]any{"Address": "10.0.0.1"}},
		})
	})
	mux.HandleFunc("/v1/health/service/db", func(w http.ResponseWriter, r *http.Request) {
		if block(w, r) {
			return
		}
		assert.Equal(t, "primary", r.URL.Query().Get("tag"))
		w.Header().Set("X-Consul-Index", "10")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"Node": map[string]any{"Address": "10.0.0.3"}},
		})
	})
	return mux
}

func TestCatalogSourceWatchesServices(t *testing.T) {
	srv := httptest.NewServer(consulHandler(t))
	defer srv.Close()

	src, err := NewCatalogSource(ConsulConfig{
		Name:    "consul",
		Address: strings.TrimPrefix(srv.URL, "http://"),
	})
	require.NoError(t, err)
	src.Initialize()
	defer src.Shutdown()

	require.Eventually(t, func() bool {
		services, _ := src.Properties()["consul"].(map[string]any)
		return len(services) == 2
	}, 2*time.Second, 10*time.Millisecond)

	services := src.Properties()["consul"].(map[string]any)
	web := services["web"].(map[string]any)
	assert.Equal(t, []any{"10.0.0.1", "10.0.0.2"}, web["addresses"], "service address preferred, sorted")
	db := services["db-primary"].(map[string]any)
	assert.Equal(t, []any{"10.0.0.3"}, db["addresses"])

	status := src.Status()
	assert.True(t, status.Ok)
	assert.True(t, status.Running)
}

func TestCatalogSourceShutdownIdempotent(t *testing.T) {
	srv := httptest.NewServer(consulHandler(t))
	defer srv.Close()

	src, err := NewCatalogSource(ConsulConfig{Address: strings.TrimPrefix(srv.URL, "http://")})
	require.NoError(t, err)
	assert.Equal(t, "consul", src.Name())

	src.Initialize()
	src.Initialize()
	src.Shutdown()
	src.Shutdown()
	assert.Equal(t, StateStopped, src.Status().State)
}

func TestCollectAddresses(t *testing.T) {
	entries := []*api.ServiceEntry{
		{Node: &api.Node{Address: "10.0.0.5"}, Service: &api.AgentService{Address: "10.0.0.2"}},
		{Node: &api.Node{Address: "10.0.0.1"}, Service: &api.AgentService{}},
		{Node: &api.Node{Address: "10.0.0.1"}},
	}
	assert.Equal(t, []any{"10.0.0.1", "10.0.0.2"}, collectAddresses(entries))
	assert.Empty(t, collectAddresses(nil))
}

func TestRecordAndRetire(t *testing.T) {
	src, err := NewCatalogSource(ConsulConfig{})
	require.NoError(t, err)
	events := &eventLog{}
	src.Subscribe(events.record)

	src.record("web", []any{"10.0.0.1"})
	assert.Equal(t, 1, events.count(EventUpdate))

	// Same addresses again: no change, no event.
	src.record("web", []any{"10.0.0.1"})
	assert.Equal(t, 1, events.count(EventUpdate))

	src.record("web", []any{"10.0.0.1", "10.0.0.2"})
	assert.Equal(t, 2, events.count(EventUpdate))

	src.retire("web")
	assert.Equal(t, 3, events.count(EventUpdate))
	services := src.Properties()["consul"].(map[string]any)
	assert.NotContains(t, services, "web")

	// Retiring an unknown service is quiet.
	src.retire("gone")
	assert.Equal(t, 3, events.count(EventUpdate))
}
