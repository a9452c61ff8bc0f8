package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsbridge/opsbridge/internal/backend"
	"github.com/opsbridge/opsbridge/internal/config"
)

func toolServer(t *testing.T, name, body string) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return backend.NewClient(config.BackendConfig{Name: name, URL: srv.URL}, srv.Client(), nil)
}

func TestRefreshAggregates(t *testing.T) {
	crm := toolServer(t, "crm", `{"tools":[
		{"name":"search_opportunities","description":"Search opps","input_schema":{"type":"object"}},
		{"name":"get_account","description":"Get account","input_schema":{"type":"object"}}
	]}`)
	trk := toolServer(t, "tracker", `{"tools":[
		{"name":"search_issues","description":"Search issues","input_schema":{"type":"object"}}
	]}`)

	c := New(nil)
	c.Refresh(context.Background(), []*backend.Client{crm, trk})

	if c.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", c.Count())
	}

	spec, err := c.Resolve("search_issues")
	if err != nil {
		t.Fatalf("Resolve(search_issues) error = %v", err)
	}
	if spec.Service != "tracker" {
		t.Errorf("service = %q, want tracker", spec.Service)
	}

	counts := c.CountByService()
	if counts["crm"] != 2 || counts["tracker"] != 1 {
		t.Errorf("CountByService() = %v, want crm:2 tracker:1", counts)
	}
}

func TestResolveUnknownTool(t *testing.T) {
	c := New(nil)
	_, err := c.Resolve("missing_tool")
	if !errors.Is(err, backend.ErrToolNotFound) {
		t.Errorf("error = %v, want ErrToolNotFound", err)
	}
}

func TestCollisionLastWriteWins(t *testing.T) {
	a := toolServer(t, "crm", `{"tools":[{"name":"search","description":"crm search"}]}`)
	b := toolServer(t, "tracker", `{"tools":[{"name":"search","description":"tracker search"}]}`)

	c := New(nil)
	c.Refresh(context.Background(), []*backend.Client{a, b})

	if c.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 after collision", c.Count())
	}
	spec, err := c.Resolve("search")
	if err != nil {
		t.Fatalf("Resolve(search) error = %v", err)
	}
	if spec.Service != "tracker" {
		t.Errorf("service = %q, want tracker (last writer)", spec.Service)
	}
}

func TestDuplicateNameWithinOneService(t *testing.T) {
	a := toolServer(t, "crm", `{"tools":[
		{"name":"search","description":"first"},
		{"name":"search","description":"second"}
	]}`)

	c := New(nil)
	c.Refresh(context.Background(), []*backend.Client{a})

	if c.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 for duplicate name", c.Count())
	}
	tools := c.Tools()
	if len(tools) != 1 || tools[0].Description != "second" {
		t.Errorf("Tools() = %+v, want only the last definition", tools)
	}
}

func TestRefreshSkipsFailingService(t *testing.T) {
	good := toolServer(t, "crm", `{"tools":[{"name":"get_account","description":"x"}]}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	bad := backend.NewClient(config.BackendConfig{Name: "tracker", URL: srv.URL}, srv.Client(), nil)

	c := New(nil)
	c.Refresh(context.Background(), []*backend.Client{good, bad})

	if c.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (failing service skipped)", c.Count())
	}
}

func TestRefreshReplacesWholesale(t *testing.T) {
	first := toolServer(t, "crm", `{"tools":[{"name":"old_tool","description":"x"}]}`)
	second := toolServer(t, "crm", `{"tools":[{"name":"new_tool","description":"y"}]}`)

	c := New(nil)
	c.Refresh(context.Background(), []*backend.Client{first})
	c.Refresh(context.Background(), []*backend.Client{second})

	if _, err := c.Resolve("old_tool"); err == nil {
		t.Error("old_tool still resolvable after refresh")
	}
	if _, err := c.Resolve("new_tool"); err != nil {
		t.Errorf("new_tool not resolvable: %v", err)
	}
}
