// Package health aggregates component health for the /health endpoint
package health

import (
	"maps"
	"sync"
	"time"
)

// Status represents overall system health
type Status struct {
	Status        string           `json:"status"` // ok, degraded
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// CheckFunc reports a component's health when the status is read
type CheckFunc func() (healthy bool, message string)

// Checker tracks health of system components. Components are either set
// explicitly or evaluated from a registered check on every read.
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]Check
	checks     map[string]CheckFunc
	now        func() time.Time
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]Check),
		checks:     make(map[string]CheckFunc),
		now:        time.Now,
	}
}

// SetComponent updates a component's health status
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = Check{
		Healthy:   healthy,
		Message:   message,
		LastCheck: c.now(),
	}
}

// Register adds a check evaluated on every status read. It replaces any
// value set with SetComponent under the same name.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.components, name)
	c.checks[name] = check
}

// snapshot evaluates checks outside the lock and merges them with the
// explicitly set components
func (c *Checker) snapshot() map[string]Check {
	c.mu.RLock()
	components := maps.Clone(c.components)
	checks := maps.Clone(c.checks)
	c.mu.RUnlock()

	now := c.now()
	for name, check := range checks {
		healthy, message := check()
		components[name] = Check{
			Healthy:   healthy,
			Message:   message,
			LastCheck: now,
		}
	}
	return components
}

// GetStatus returns the overall health status
func (c *Checker) GetStatus() Status {
	components := c.snapshot()

	status := "ok"
	for _, check := range components {
		if !check.Healthy {
			status = "degraded"
			break
		}
	}

	return Status{
		Status:        status,
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    components,
	}
}
