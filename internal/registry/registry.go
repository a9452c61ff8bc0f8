// Package registry tracks the connection state and health of backend
// services. It is the single authority on whether a backend may be
// called: a disconnected service yields ErrServiceUnavailable rather
// than a silent retry.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsbridge/opsbridge/internal/backend"
)

// Health score adjustments. Scores live in [0,1]; a probe outcome
// resets the score outright, per-call outcomes nudge it.
const (
	successCredit      = 0.1
	recoverablePenalty = 0.2
	protocolPenalty    = 0.5
)

// Status is a point-in-time snapshot of a service's health, suitable
// for JSON serialization in status endpoints.
type Status struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Connected    bool      `json:"connected"`
	HealthScore  float64   `json:"health_score"`
	LastActivity time.Time `json:"last_activity"`
	LastError    string    `json:"last_error,omitempty"`
}

// service holds the mutable state for one backend.
type service struct {
	client       *backend.Client
	connected    bool
	healthScore  float64
	lastActivity time.Time
	lastErr      error
}

// Registry tracks all configured backend services.
type Registry struct {
	mu           sync.RWMutex
	services     map[string]*service
	order        []string
	probeTimeout time.Duration
	logger       *slog.Logger
}

// New creates a registry over the given backend clients. All services
// start disconnected; call ProbeAll before serving.
func New(clients []*backend.Client, probeTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		services:     make(map[string]*service, len(clients)),
		probeTimeout: probeTimeout,
		logger:       logger,
	}
	for _, c := range clients {
		r.services[c.Name()] = &service{client: c}
		r.order = append(r.order, c.Name())
	}
	return r
}

// Names returns the configured service names in configuration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// ProbeAll probes every service concurrently, each under its own
// bounded timeout. A successful probe marks the service connected with
// a full health score; a failure marks it disconnected with score zero.
func (r *Registry) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range r.Names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			r.Probe(ctx, name)
		}(name)
	}
	wg.Wait()
}

// Probe checks a single service's liveness endpoint and records the
// outcome.
func (r *Registry) Probe(ctx context.Context, name string) error {
	r.mu.RLock()
	svc, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	err := svc.client.Health(probeCtx)

	r.mu.Lock()
	wasConnected := svc.connected
	svc.lastActivity = time.Now()
	svc.lastErr = err
	if err != nil {
		svc.connected = false
		svc.healthScore = 0
	} else {
		svc.connected = true
		svc.healthScore = 1
	}
	r.mu.Unlock()

	switch {
	case err != nil && wasConnected:
		r.logger.Warn("service became unreachable", "service", name, "error", err)
	case err != nil:
		r.logger.Info("service probe failed", "service", name, "error", err)
	case !wasConnected:
		r.logger.Info("service connected", "service", name)
	}

	return err
}

// Run re-probes disconnected services on a fixed interval until ctx is
// cancelled, so a backend that comes up late (or restarts) is picked up
// without operator intervention. Connected services are left alone;
// their per-call outcomes keep their scores current.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onRecover func(name string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range r.Names() {
				r.mu.RLock()
				connected := r.services[name].connected
				r.mu.RUnlock()
				if connected {
					continue
				}
				if err := r.Probe(ctx, name); err == nil && onRecover != nil {
					onRecover(name)
				}
			}
		}
	}
}

// Client returns the backend client for name if the service is
// currently connected. A disconnected service yields
// backend.ErrServiceUnavailable.
func (r *Registry) Client(name string) (*backend.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}
	if !svc.connected {
		return nil, fmt.Errorf("service %s: %w", name, backend.ErrServiceUnavailable)
	}
	return svc.client, nil
}

// ConnectedClients returns the clients of all currently connected
// services, in configuration order.
func (r *Registry) ConnectedClients() []*backend.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*backend.Client
	for _, name := range r.order {
		if svc := r.services[name]; svc.connected {
			out = append(out, svc.client)
		}
	}
	return out
}

// RecordSuccess credits a service after a successful tool call,
// nudging its health score toward 1.0.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[name]
	if !ok {
		return
	}
	svc.lastActivity = time.Now()
	svc.lastErr = nil
	svc.healthScore = min(1, svc.healthScore+successCredit)
}

// RecordFailure penalizes a service after a failed tool call. A
// protocol failure (transport error, undecodable response) costs more
// than a recoverable one (tool-level error from a responsive backend).
// The score floors at zero but the service stays connected; only a
// failed probe disconnects it.
func (r *Registry) RecordFailure(name string, err error, protocol bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[name]
	if !ok {
		return
	}
	svc.lastActivity = time.Now()
	svc.lastErr = err

	penalty := recoverablePenalty
	if protocol {
		penalty = protocolPenalty
	}
	svc.healthScore = max(0, svc.healthScore-penalty)
}

// Status returns the snapshot for one service.
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return Status{}, false
	}
	return r.statusLocked(name, svc), true
}

// StatusAll returns snapshots for every service in configuration order.
func (r *Registry) StatusAll() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.statusLocked(name, r.services[name]))
	}
	return out
}

func (r *Registry) statusLocked(name string, svc *service) Status {
	s := Status{
		Name:         name,
		URL:          svc.client.URL(),
		Connected:    svc.connected,
		HealthScore:  svc.healthScore,
		LastActivity: svc.lastActivity,
	}
	if svc.lastErr != nil {
		s.LastError = svc.lastErr.Error()
	}
	return s
}
