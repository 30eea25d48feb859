package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/kvconsole/internal/metrics"
	"github.com/dreamware/kvconsole/internal/storage"
)

// Health states reported by the monitor.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ConnectionHealth tracks the health of one registered connection.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type ConnectionHealth struct {
	LastCheck        time.Time // Timestamp of the last check attempt
	LastHealthy      time.Time // Timestamp of the last successful check
	ConnectionID     string    // Stable connection id
	Status           string    // "healthy", "unhealthy" or "unknown"
	LastError        string    // Error of the last failed check
	ConsecutiveFails int       // Number of consecutive failed checks
}

// HealthMonitor pings every registered connection periodically so that a
// dead server shows up as a disconnected status before the next request
// fails. It never removes connections; reconnecting stays with the client.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	conns       map[string]*ConnectionHealth                       // Current health per connection id
	checkFunc   func(ctx context.Context, h *storage.Handle) error // Performs one check
	onUnhealthy func(connectionID string)                          // Called when a connection becomes unhealthy
	log         logrus.FieldLogger                                 // Component logger
	metrics     *metrics.Metrics                                   // Check outcome counters
	ctx         context.Context                                    // Context for cancellation
	cancel      context.CancelFunc                                 // Cancel function for shutdown
	interval    time.Duration                                      // How often to check
	timeout     time.Duration                                      // Timeout of one check
	mu          sync.RWMutex                                       // Protects conns
	wg          sync.WaitGroup                                     // Wait group for graceful shutdown
	maxFailures int                                                // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor checking every interval. Connections
// are marked unhealthy after 3 consecutive failed PINGs.
//
// Parameters:
//   - interval: How often to check (recommended: 15s)
//   - log: Logger; nil uses the logrus standard logger
//   - m: Metrics; nil disables them
//
// Example:
//
//	monitor := NewHealthMonitor(15*time.Second, logger, m)
//	go monitor.Start(ctx, reg.List)
func NewHealthMonitor(interval time.Duration, log logrus.FieldLogger, m *metrics.Metrics) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		conns:       make(map[string]*ConnectionHealth),
		log:         log.WithField("component", "health"),
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked, in its own goroutine, when a
// connection crosses the failure threshold.
func (hm *HealthMonitor) SetOnUnhealthy(callback func(connectionID string)) {
	hm.onUnhealthy = callback
}

// SetCheckFunction replaces the default PING check. Must be called before
// Start.
func (hm *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, h *storage.Handle) error) {
	hm.checkFunc = checkFunc
}

// Start runs the check loop until ctx or Stop cancels it. provider is
// called on every tick so new and removed connections are picked up.
func (hm *HealthMonitor) Start(ctx context.Context, provider func() []*storage.Handle) {
	hm.wg.Add(1)
	defer hm.wg.Done()

	if ctx == nil {
		ctx = hm.ctx
	}
	if hm.checkFunc == nil {
		hm.checkFunc = hm.defaultCheck
	}

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	hm.log.WithField("interval", hm.interval).Info("Health monitor started")

	hm.checkAll(provider())

	for {
		select {
		case <-ticker.C:
			hm.checkAll(provider())
		case <-ctx.Done():
			hm.log.Debug("Health monitor stopping due to context cancellation")
			return
		case <-hm.ctx.Done():
			hm.log.Debug("Health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (hm *HealthMonitor) Stop() {
	hm.cancel()
	hm.wg.Wait()
	hm.log.Info("Health monitor stopped")
}

func (hm *HealthMonitor) checkAll(handles []*storage.Handle) {
	current := make(map[string]bool, len(handles))
	for _, h := range handles {
		current[h.ID()] = true
		hm.check(h)
	}

	hm.mu.Lock()
	for id := range hm.conns {
		if !current[id] {
			delete(hm.conns, id)
			hm.log.WithField("connection_id", id).Debug("Removed connection from health monitoring")
		}
	}
	hm.mu.Unlock()
}

func (hm *HealthMonitor) check(h *storage.Handle) {
	id := h.ID()

	hm.mu.Lock()
	health, exists := hm.conns[id]
	if !exists {
		health = &ConnectionHealth{
			ConnectionID: id,
			Status:       HealthUnknown,
			LastCheck:    time.Now(),
			LastHealthy:  time.Now(),
		}
		hm.conns[id] = health
	}
	hm.mu.Unlock()

	ctx, cancel := context.WithTimeout(hm.ctx, hm.timeout)
	err := hm.checkFunc(ctx, h)
	cancel()
	hm.metrics.HealthCheck(err)

	hm.mu.Lock()
	defer hm.mu.Unlock()

	health.LastCheck = time.Now()
	log := hm.log.WithField("connection_id", id)

	if err != nil {
		health.ConsecutiveFails++
		health.LastError = err.Error()
		log.WithError(err).Debugf("Health check failed (attempt %d/%d)", health.ConsecutiveFails, hm.maxFailures)

		if health.ConsecutiveFails >= hm.maxFailures {
			previous := health.Status
			health.Status = HealthUnhealthy
			h.SetStatus(storage.StatusErrored, err)

			if previous != HealthUnhealthy {
				log.Warnf("Connection marked unhealthy after %d failures", health.ConsecutiveFails)
				if hm.onUnhealthy != nil {
					go hm.onUnhealthy(id)
				}
			}
		}
		return
	}

	if health.Status == HealthUnhealthy {
		log.Info("Connection recovered")
		h.SetStatus(storage.StatusReady, nil)
	}
	health.Status = HealthHealthy
	health.ConsecutiveFails = 0
	health.LastError = ""
	health.LastHealthy = time.Now()
}

func (hm *HealthMonitor) defaultCheck(ctx context.Context, h *storage.Handle) error {
	reply, err := h.Client().Do(ctx, "PING")
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if s, ok := reply.(string); !ok || s != "PONG" {
		return fmt.Errorf("ping: unexpected reply %v", reply)
	}
	return nil
}

// Health returns a copy of the health of one connection, or nil if it has
// not been checked yet.
func (hm *HealthMonitor) Health(connectionID string) *ConnectionHealth {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	health, exists := hm.conns[connectionID]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// AllHealth returns copies of every tracked connection's health.
func (hm *HealthMonitor) AllHealth() map[string]*ConnectionHealth {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	result := make(map[string]*ConnectionHealth, len(hm.conns))
	for id, health := range hm.conns {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether the last check of the connection succeeded.
func (hm *HealthMonitor) IsHealthy(connectionID string) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	health, exists := hm.conns[connectionID]
	return exists && health.Status == HealthHealthy
}
