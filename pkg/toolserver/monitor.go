package toolserver

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RouteInvalidator is notified when a server's routes must be dropped.
type RouteInvalidator interface {
	InvalidateServer(server string)
}

// HealthMonitor pings every running server on a cron schedule and
// stops servers that no longer answer, invalidating their discovered
// tools and learned routes.
type HealthMonitor struct {
	registry    *ServerRegistry
	invalidator RouteInvalidator
	logger      zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewHealthMonitor creates a monitor. invalidator may be nil.
func NewHealthMonitor(registry *ServerRegistry, invalidator RouteInvalidator, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		registry:    registry,
		invalidator: invalidator,
		logger:      logger.With().Str("component", "health-monitor").Logger(),
	}
}

// Start schedules the health check. spec is a standard cron expression
// such as "@every 30s".
func (m *HealthMonitor) Start(spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, m.CheckOnce); err != nil {
		return err
	}
	c.Start()
	m.cron = c

	m.logger.Info().Str("schedule", spec).Msg("Health monitor started")
	return nil
}

// Stop cancels the schedule. In-flight checks finish first.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

// CheckOnce pings every running server and evicts the unresponsive.
func (m *HealthMonitor) CheckOnce() {
	for _, name := range m.registry.Running() {
		if err := m.registry.Ping(context.Background(), name); err != nil {
			m.logger.Warn().Err(err).Str("server", name).Msg("Health check failed, stopping server")
			m.registry.Stop(name)
			if m.invalidator != nil {
				m.invalidator.InvalidateServer(name)
			}
		}
	}
}
