// Package lifecycle manages connection handles from creation to close.
// See doc.go for complete package documentation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/kvconsole/internal/connection"
	"github.com/dreamware/kvconsole/internal/metrics"
	"github.com/dreamware/kvconsole/internal/registry"
	"github.com/dreamware/kvconsole/internal/storage"
)

// ErrIDInUse is returned by Connect when the connection id of a descriptor
// already belongs to a different connection.
var ErrIDInUse = fmt.Errorf("%w: connection id already in use", connection.ErrInvalidDescriptor)

const (
	defaultProbeTimeout   = 10 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	// FoldingChar is the key-tree delimiter given to every new handle.
	FoldingChar string

	// ProbeTimeout bounds one capability probe.
	ProbeTimeout time.Duration

	// ConnectTimeout bounds the initial ping retries of a new handle.
	ConnectTimeout time.Duration

	// NewBackOff returns the retry policy for the initial ping.
	// Default: exponential backoff starting at 500ms.
	NewBackOff func() backoff.BackOff

	// OnUpgrade runs after a standalone handle was replaced by its cluster
	// successor.
	OnUpgrade func(h *storage.Handle)

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Manager attaches lifecycle observers to handles, probes their capabilities
// and upgrades standalone connections that turn out to be cluster members.
// Thread-safe: all methods may be called concurrently.
type Manager struct {
	registry *registry.Registry
	factory  storage.Factory
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	foldingChar    string
	probeTimeout   time.Duration
	connectTimeout time.Duration
	newBackOff     func() backoff.BackOff
	onUpgrade      func(h *storage.Handle)

	// connectMu serializes the Contains/Add pair in Connect.
	connectMu sync.Mutex
}

// NewManager creates a Manager adding handles to reg and building clients
// with factory.
//
// Example:
//
//	mgr := lifecycle.NewManager(reg, storage.NewRedisFactory(timeouts), lifecycle.Options{
//	    FoldingChar: ":",
//	    Logger:      logger,
//	})
//	h, created, err := mgr.Connect(ctx, desc)
func NewManager(reg *registry.Registry, factory storage.Factory, opts Options) *Manager {
	m := &Manager{
		registry:       reg,
		factory:        factory,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		foldingChar:    opts.FoldingChar,
		probeTimeout:   opts.ProbeTimeout,
		connectTimeout: opts.ConnectTimeout,
		newBackOff:     opts.NewBackOff,
		onUpgrade:      opts.OnUpgrade,
	}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	m.log = m.log.WithField("component", "lifecycle")
	if m.foldingChar == "" {
		m.foldingChar = ":"
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = defaultProbeTimeout
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = defaultConnectTimeout
	}
	if m.newBackOff == nil {
		m.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	return m
}

// Registry returns the registry handles are added to.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// FoldingChar returns the key-tree delimiter of new handles.
func (m *Manager) FoldingChar() string {
	return m.foldingChar
}

// Connect registers a connection for d.
//
// If the registry already holds the same connection, that handle is
// returned with created=false and nothing else happens. Otherwise a client
// is built, wrapped in a handle, added, attached and pinged in the
// background so that the lazy client opens its first connection.
//
// Returns:
//   - The handle and whether it was created by this call
//   - connection.ErrInvalidDescriptor (wrapped) for incomplete descriptors
//   - ErrIDInUse if another connection already holds d's connection id
//   - The factory's error if the client could not be built
func (m *Manager) Connect(ctx context.Context, d connection.Descriptor) (*storage.Handle, bool, error) {
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return nil, false, err
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if h, ok := m.registry.FindByIdentity(d); ok {
		m.log.WithField("connection_id", h.ID()).Debug("Connection already registered")
		return h, false, nil
	}
	if _, ok := m.registry.FindByID(d.ConnectionID()); ok {
		return nil, false, fmt.Errorf("%w: %s", ErrIDInUse, d.ConnectionID())
	}

	client, err := m.factory(d)
	if err != nil {
		return nil, false, fmt.Errorf("create client for %s: %w", d.DisplayLabel(), err)
	}
	h := storage.NewHandle(d, client, m.foldingChar)
	m.registry.Add(h)
	m.Attach(h, nil, nil)

	m.log.WithFields(logrus.Fields{
		"connection_id": h.ID(),
		"kind":          d.Kind,
	}).Info("Connection registered")

	go m.warmUp(h)
	return h, true, nil
}

// ConnectAll registers every descriptor, logging the ones that fail. It is
// used for the connections listed in the configuration file.
func (m *Manager) ConnectAll(ctx context.Context, ds []connection.Descriptor) int {
	n := 0
	for _, d := range ds {
		if _, created, err := m.Connect(ctx, d); err != nil {
			m.log.WithError(err).WithField("connection", d.Redacted().DisplayLabel()).Warn("Skipping configured connection")
		} else if created {
			n++
		}
	}
	return n
}

// Disconnect removes the handle with the given id and closes its client.
// Returns registry.ErrNotFound if id is unknown.
func (m *Manager) Disconnect(id string) error {
	h, ok := m.registry.Remove(id)
	if !ok {
		return registry.ErrNotFound
	}
	if err := h.Close(); err != nil {
		m.log.WithError(err).WithField("connection_id", id).Warn("Error closing connection")
	}
	m.log.WithField("connection_id", id).Info("Connection removed")
	return nil
}

// Test builds a throwaway client for d, pings it and closes it. Nothing is
// registered.
func (m *Manager) Test(ctx context.Context, d connection.Descriptor) error {
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return err
	}
	client, err := m.factory(d)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if _, err := client.Do(ctx, "PING"); err != nil {
		return fmt.Errorf("ping %s: %w", d.DisplayLabel(), err)
	}
	return nil
}

// Shutdown closes every registered handle. Handles stay in the registry.
func (m *Manager) Shutdown() error {
	var errs []error
	for _, h := range m.registry.List() {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Attach registers lifecycle observers on h's client.
//
// The base observers are registered once per handle, however often Attach
// is called:
//   - error: logs, marks the handle errored and counts the event
//   - end: logs a reconnect notice for lost connections and marks the
//     handle ended; reconnecting is left to the client
//   - ready: marks the handle ready
//   - connect (one-shot): runs ProbeCapabilities; re-armed after a lost
//     connection so a reconnect is probed again
//
// onError and onReady are added on every call. onError runs on every error
// event, onReady on the next ready event only.
func (m *Manager) Attach(h *storage.Handle, onError func(error), onReady func()) {
	client := h.Client()
	log := m.log.WithField("connection_id", h.ID())
	kind := string(h.Kind())

	if h.MarkAttached() {
		var armed atomic.Bool
		arm := func() {
			if !armed.CompareAndSwap(false, true) {
				return
			}
			client.Once(storage.EventConnect, func(error) {
				armed.Store(false)
				go m.ProbeCapabilities(context.Background(), h)
			})
		}
		arm()

		client.On(storage.EventConnect, func(error) {
			m.metrics.ConnectionEvent(storage.EventConnect, kind)
		})
		client.On(storage.EventReady, func(error) {
			m.metrics.ConnectionEvent(storage.EventReady, kind)
			h.SetStatus(storage.StatusReady, nil)
		})
		client.On(storage.EventError, func(err error) {
			m.metrics.ConnectionEvent(storage.EventError, kind)
			log.WithError(err).Warn("Connection error")
			h.SetStatus(storage.StatusErrored, err)
		})
		client.On(storage.EventEnd, func(err error) {
			m.metrics.ConnectionEvent(storage.EventEnd, kind)
			if errors.Is(err, storage.ErrClientClosed) {
				log.Debug("Connection closed")
				h.SetStatus(storage.StatusEnded, nil)
				return
			}
			log.WithError(err).Info("Connection lost, client will reconnect")
			h.SetStatus(storage.StatusEnded, err)
			arm()
		})
	}

	if onError != nil {
		client.On(storage.EventError, func(err error) { onError(err) })
	}
	if onReady != nil {
		client.Once(storage.EventReady, func(error) { onReady() })
	}
}

// upgrade replaces a standalone handle whose server runs in cluster mode.
// The cluster handle is built completely before the registry changes and
// keeps h's id, so a derived standalone id stays valid after the switch.
func (m *Manager) upgrade(h *storage.Handle) {
	log := m.log.WithField("connection_id", h.ID())

	old := h.Descriptor()
	next := old.AsCluster()

	client, err := m.factory(next)
	if err != nil {
		log.WithError(err).Warn("Cluster detected but cluster client could not be created")
		return
	}
	nh := h.Successor(next, client)

	h.MarkClusterDetected()
	if _, ok := m.registry.Replace(old, nh); !ok {
		log.Info("Connection removed before cluster upgrade")
		_ = client.Close()
		return
	}
	m.metrics.AutoUpgrade()
	log.Info("Cluster mode detected, switched to cluster connection")

	if err := h.Close(); err != nil {
		log.WithError(err).Warn("Error closing standalone connection")
	}
	m.Attach(nh, nil, nil)
	go m.warmUp(nh)
	if m.onUpgrade != nil {
		m.onUpgrade(nh)
	}
}

// warmUp pings h until it answers or the connect timeout expires. Errors are
// logged only; the error observer already recorded them on the handle.
func (m *Manager) warmUp(h *storage.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	log := m.log.WithField("connection_id", h.ID())
	op := func() error {
		_, err := h.Client().Do(ctx, "PING")
		if errors.Is(err, storage.ErrClientClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.WithError(err).Debugf("Ping failed, retrying in %s", next)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(m.newBackOff(), ctx), notify)
	if err != nil && !errors.Is(err, storage.ErrClientClosed) {
		log.WithError(err).Warn("Connection did not answer")
	}
}
