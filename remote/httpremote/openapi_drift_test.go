package httpremote

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths map[string]map[string]any `yaml:"paths"`
}

// TestOpenAPIDrift compares the routes registered by Router with the paths
// in openapi.yaml.
func TestOpenAPIDrift(t *testing.T) {
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc))

	specRoutes := make(map[string]bool)
	for path, methods := range doc.Paths {
		for method := range methods {
			method = strings.ToUpper(method)
			if strings.HasPrefix(method, "X-") || method == "PARAMETERS" {
				continue
			}
			specRoutes[method+" "+path] = true
		}
	}

	// Router only registers routes, so a zero Server is enough.
	s := &Server{}
	chiRoutes := make(map[string]bool)
	err := chi.Walk(s.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		chiRoutes[method+" "+route] = true
		return nil
	})
	require.NoError(t, err)

	var undocumented, stale []string
	for route := range chiRoutes {
		if !specRoutes[route] {
			undocumented = append(undocumented, route)
		}
	}
	for route := range specRoutes {
		if !chiRoutes[route] {
			stale = append(stale, route)
		}
	}
	sort.Strings(undocumented)
	sort.Strings(stale)

	assert.Empty(t, undocumented, "routes missing from openapi.yaml:\n%s", formatRouteList(undocumented))
	assert.Empty(t, stale, "routes in openapi.yaml but not registered:\n%s", formatRouteList(stale))
}

func TestDocsNeedNoToken(t *testing.T) {
	s := NewServer(nil, []byte("secret"), WithMountPath("/api/v1/"))
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/openapi.yaml")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/yaml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "/api/v1", s.mountPath)
}

func formatRouteList(routes []string) string {
	var b strings.Builder
	for _, r := range routes {
		fmt.Fprintf(&b, "  - %s\n", r)
	}
	return b.String()
}
