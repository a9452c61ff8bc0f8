// Package catalog maintains the aggregate tool catalog: every tool
// advertised by every connected backend, flattened into one namespace
// the model can call into.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/opsbridge/opsbridge/internal/backend"
)

// ToolSpec is a catalog entry: a tool definition plus the service that
// owns it.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Service     string         `json:"service"`
}

// Catalog is the aggregate tool index. Refresh rebuilds it wholesale;
// Resolve is a pure lookup between refreshes.
type Catalog struct {
	mu     sync.RWMutex
	tools  []ToolSpec
	byName map[string]ToolSpec
	logger *slog.Logger
}

// New creates an empty catalog.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		byName: make(map[string]ToolSpec),
		logger: logger,
	}
}

// Refresh rebuilds the catalog from the given backend clients,
// discarding the previous contents. Tools from services that fail
// discovery are simply absent until the next refresh. When two
// services advertise the same tool name the later one wins, but the
// collision is logged loudly so the deployment can be fixed.
func (c *Catalog) Refresh(ctx context.Context, clients []*backend.Client) {
	tools := make([]ToolSpec, 0, 16)
	byName := make(map[string]ToolSpec)

	for _, client := range clients {
		defs, err := client.ListTools(ctx)
		if err != nil {
			c.logger.Warn("tool discovery failed, skipping service",
				"service", client.Name(),
				"error", err,
			)
			continue
		}
		for _, def := range defs {
			spec := ToolSpec{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: def.InputSchema,
				Service:     client.Name(),
			}
			if prev, dup := byName[def.Name]; dup {
				c.logger.Warn("tool name collision, last service wins",
					"tool", def.Name,
					"kept", client.Name(),
					"shadowed", prev.Service,
				)
			}
			byName[def.Name] = spec
			tools = append(tools, spec)
		}
	}

	// Drop shadowed duplicates from the flat list so counts match the
	// index: only the winning (last) occurrence of each name survives.
	lastIdx := make(map[string]int, len(byName))
	for i, spec := range tools {
		lastIdx[spec.Name] = i
	}
	flat := tools[:0]
	for i, spec := range tools {
		if lastIdx[spec.Name] == i {
			flat = append(flat, spec)
		}
	}

	c.mu.Lock()
	c.tools = flat
	c.byName = byName
	c.mu.Unlock()

	c.logger.Info("tool catalog refreshed",
		"tools", len(flat),
		"services", len(clients),
	)
}

// Resolve looks up a tool by name.
func (c *Catalog) Resolve(name string) (ToolSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.byName[name]
	if !ok {
		return ToolSpec{}, fmt.Errorf("%w: %s", backend.ErrToolNotFound, name)
	}
	return spec, nil
}

// Tools returns a copy of all catalog entries, sorted by name for
// stable presentation.
func (c *Catalog) Tools() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := append([]ToolSpec(nil), c.tools...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of catalog entries.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

// CountByService returns per-service tool counts.
func (c *Catalog) CountByService() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int)
	for _, spec := range c.tools {
		out[spec.Service]++
	}
	return out
}
