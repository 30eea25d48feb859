package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvconsole/internal/connection"
	"github.com/dreamware/kvconsole/internal/registry"
	"github.com/dreamware/kvconsole/internal/storage"
	"github.com/dreamware/kvconsole/internal/storage/storagetest"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func newTestManager(f *storagetest.Factory) (*Manager, *registry.Registry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	reg := registry.New()
	m := NewManager(reg, f.New, Options{
		Logger:     logger,
		NewBackOff: func() backoff.BackOff { return &backoff.StopBackOff{} },
	})
	return m, reg, hook
}

func standalone(host string, port, db int) connection.Descriptor {
	return connection.Descriptor{
		Kind: connection.KindStandalone,
		Host: host,
		Port: connection.Port(port),
		DB:   connection.DatabaseIndex(db),
	}
}

// commandReply mimics a COMMAND reply for get (readonly) and set (write).
func commandReply() []any {
	return []any{
		[]any{"get", int64(2), []any{"readonly", "fast"}, int64(1), int64(1), int64(1)},
		[]any{"set", int64(-3), []any{"write", "denyoom"}, int64(1), int64(1), int64(1)},
		[]any{"TYPE", int64(2), []any{"readonly", "fast"}, int64(1), int64(1), int64(1)},
	}
}

func hasMessage(hook *test.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}

// TestNewManager tests defaults
func TestNewManager(t *testing.T) {
	m := NewManager(registry.New(), (&storagetest.Factory{}).New, Options{})

	assert.Equal(t, ":", m.FoldingChar())
	assert.Equal(t, defaultProbeTimeout, m.probeTimeout)
	assert.Equal(t, defaultConnectTimeout, m.connectTimeout)
	assert.NotNil(t, m.newBackOff)
	assert.NotNil(t, m.Registry())
}

// TestConnect tests registration and deduplication
func TestConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("new connection", func(t *testing.T) {
		f := &storagetest.Factory{}
		m, reg, _ := newTestManager(f)

		h, created, err := m.Connect(ctx, standalone("localhost", 6379, 0))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "R:localhost:6379:0", h.ID())
		assert.Equal(t, 1, reg.Len())
		require.Len(t, f.Created(), 1)
	})

	t.Run("duplicate returns existing handle", func(t *testing.T) {
		f := &storagetest.Factory{}
		m, reg, _ := newTestManager(f)

		first, _, err := m.Connect(ctx, standalone("localhost", 6379, 0))
		require.NoError(t, err)

		dup := standalone("localhost", 6379, 0)
		dup.Password = "other"
		dup.Label = "again"
		second, created, err := m.Connect(ctx, dup)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Same(t, first, second)
		assert.Equal(t, 1, reg.Len())
		assert.Len(t, f.Created(), 1)
	})

	t.Run("kind is inferred", func(t *testing.T) {
		f := &storagetest.Factory{}
		m, _, _ := newTestManager(f)

		h, _, err := m.Connect(ctx, connection.Descriptor{Path: "/tmp/redis.sock"})
		require.NoError(t, err)
		assert.Equal(t, connection.KindUnixSocket, h.Kind())
	})

	t.Run("invalid descriptor", func(t *testing.T) {
		f := &storagetest.Factory{}
		m, reg, _ := newTestManager(f)

		_, _, err := m.Connect(ctx, connection.Descriptor{Kind: connection.KindSentinel})
		assert.ErrorIs(t, err, connection.ErrInvalidDescriptor)
		assert.Equal(t, 0, reg.Len())
	})

	t.Run("sentinels sharing a group name", func(t *testing.T) {
		f := &storagetest.Factory{}
		m, reg, _ := newTestManager(f)

		sentinel := func(host string) connection.Descriptor {
			return connection.Descriptor{
				Kind:          connection.KindSentinel,
				SentinelGroup: "mymaster",
				SentinelNodes: []connection.Node{{Host: host, Port: 26379}},
			}
		}
		a, created, err := m.Connect(ctx, sentinel("s1"))
		require.NoError(t, err)
		require.True(t, created)
		b, created, err := m.Connect(ctx, sentinel("t1"))
		require.NoError(t, err)
		require.True(t, created)
		require.NotEqual(t, a.ID(), b.ID())

		got, ok := reg.FindByID(b.ID())
		require.True(t, ok)
		assert.Same(t, b, got)

		require.NoError(t, m.Disconnect(b.ID()))
		_, ok = reg.FindByID(a.ID())
		assert.True(t, ok)
		assert.False(t, f.Created()[0].Closed())
		assert.True(t, f.Created()[1].Closed())
	})

	t.Run("configured id already in use", func(t *testing.T) {
		f := &storagetest.Factory{}
		m, reg, _ := newTestManager(f)

		first := standalone("a", 6379, 0)
		first.ID = "prod"
		_, _, err := m.Connect(ctx, first)
		require.NoError(t, err)

		other := standalone("b", 6379, 0)
		other.ID = "prod"
		_, _, err = m.Connect(ctx, other)
		assert.ErrorIs(t, err, ErrIDInUse)
		assert.ErrorIs(t, err, connection.ErrInvalidDescriptor)
		assert.Equal(t, 1, reg.Len())
		assert.Len(t, f.Created(), 1)

		// a configured id may not take over a derived one either
		_, _, err = m.Connect(ctx, standalone("c", 6379, 0))
		require.NoError(t, err)
		taker := standalone("d", 6379, 0)
		taker.ID = "R:c:6379:0"
		_, _, err = m.Connect(ctx, taker)
		assert.ErrorIs(t, err, ErrIDInUse)
	})

	t.Run("factory error", func(t *testing.T) {
		f := &storagetest.Factory{Err: errors.New("bad tls config")}
		m, reg, _ := newTestManager(f)

		_, _, err := m.Connect(ctx, standalone("localhost", 6379, 0))
		assert.ErrorContains(t, err, "bad tls config")
		assert.Equal(t, 0, reg.Len())
	})
}

// TestConnectAll tests bulk registration from configuration
func TestConnectAll(t *testing.T) {
	f := &storagetest.Factory{}
	m, reg, hook := newTestManager(f)

	n := m.ConnectAll(context.Background(), []connection.Descriptor{
		standalone("a", 6379, 0),
		standalone("a", 6379, 0),
		{Kind: connection.KindCluster},
		standalone("b", 6379, 0),
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, 2, reg.Len())
	assert.True(t, hasMessage(hook, "Skipping configured connection"))
}

// TestAttachStatus tests status transitions driven by client events
func TestAttachStatus(t *testing.T) {
	f := &storagetest.Factory{}
	m, _, hook := newTestManager(f)

	h, _, err := m.Connect(context.Background(), standalone("localhost", 6379, 0))
	require.NoError(t, err)
	client := f.Created()[0]

	client.Connect()
	status, _ := h.Status()
	assert.Equal(t, storage.StatusReady, status)

	boom := errors.New("NOAUTH Authentication required")
	client.Fail(boom)
	status, err = h.Status()
	assert.Equal(t, storage.StatusErrored, status)
	assert.ErrorIs(t, err, boom)
	assert.True(t, hasMessage(hook, "Connection error"))

	client.Drop()
	status, _ = h.Status()
	assert.Equal(t, storage.StatusEnded, status)
	assert.True(t, hasMessage(hook, "Connection lost, client will reconnect"))
}

// TestAttachTwiceProbesOnce tests that repeated Attach calls do not duplicate
// the probe observer
func TestAttachTwiceProbesOnce(t *testing.T) {
	f := &storagetest.Factory{}
	m, reg, _ := newTestManager(f)

	client := storagetest.NewClient()
	client.Script("COMMAND", commandReply(), nil)
	h := storage.NewHandle(standalone("localhost", 6379, 0), client, ":")
	reg.Add(h)

	m.Attach(h, nil, nil)
	m.Attach(h, nil, nil)
	// one-shot probe plus the metrics observer
	assert.Equal(t, 2, client.ListenerCount(storage.EventConnect))

	client.Connect()
	assert.Eventually(t, func() bool { return client.CallCount("COMMAND") == 1 }, waitFor, tick)

	// more pooled connections do not probe again
	client.Connect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, client.CallCount("COMMAND"))

	// a reconnect after a lost connection does
	client.Drop()
	client.Connect()
	assert.Eventually(t, func() bool { return client.CallCount("COMMAND") == 2 }, waitFor, tick)
}

// TestAttachCallbacks tests the optional error and ready callbacks
func TestAttachCallbacks(t *testing.T) {
	f := &storagetest.Factory{}
	m, _, _ := newTestManager(f)

	client := storagetest.NewClient()
	h := storage.NewHandle(standalone("localhost", 6379, 0), client, ":")

	var errs, readies atomic.Int32
	m.Attach(h, func(error) { errs.Add(1) }, func() { readies.Add(1) })

	client.Fail(errors.New("one"))
	client.Fail(errors.New("two"))
	client.Connect()
	client.Connect()

	assert.Equal(t, int32(2), errs.Load())
	assert.Equal(t, int32(1), readies.Load())
}

// TestProbeCapabilities tests capability discovery
func TestProbeCapabilities(t *testing.T) {
	f := &storagetest.Factory{}
	m, _, _ := newTestManager(f)

	client := storagetest.NewClient()
	client.Script("COMMAND", commandReply(), nil)
	client.Script("MODULE LIST", []any{
		[]any{"name", "ReJSON", "ver", int64(20608)},
		[]any{"name", "search", "ver", int64(21005)},
	}, nil)
	client.Script("INFO cluster", "# Cluster\r\ncluster_enabled:0\r\n", nil)
	h := storage.NewHandle(standalone("localhost", 6379, 0), client, ":")

	m.ProbeCapabilities(context.Background(), h)

	caps := h.Capabilities()
	assert.Len(t, caps.AllCommands, 3)
	assert.Contains(t, caps.AllCommands, "type")
	assert.Len(t, caps.ReadOnlyCommands, 2)
	ro, known := caps.IsReadOnly("get")
	assert.True(t, known)
	assert.True(t, ro)
	assert.Equal(t, map[string]string{"ReJSON": "20608", "search": "21005"}, caps.InstalledModules)
	assert.Equal(t, storage.ClusterDisabled, caps.Cluster)
}

// TestProbeFailuresAreAbsorbed tests that probe failures leave capabilities
// unknown
func TestProbeFailuresAreAbsorbed(t *testing.T) {
	f := &storagetest.Factory{}
	m, reg, hook := newTestManager(f)

	client := storagetest.NewClient()
	client.Script("COMMAND", nil, errors.New("ERR unknown command 'COMMAND'"))
	client.Script("MODULE LIST", []any{[]any{"name", "bf", "ver", int64(1)}}, nil)
	client.Script("INFO cluster", nil, errors.New("ERR unknown section"))
	h := storage.NewHandle(standalone("localhost", 6379, 0), client, ":")
	reg.Add(h)

	assert.NotPanics(t, func() { m.ProbeCapabilities(context.Background(), h) })

	caps := h.Capabilities()
	assert.Empty(t, caps.AllCommands)
	assert.Empty(t, caps.ReadOnlyCommands)
	assert.False(t, caps.CommandsKnown())
	assert.Equal(t, map[string]string{"bf": "1"}, caps.InstalledModules)
	assert.Equal(t, storage.ClusterUnknown, caps.Cluster)
	assert.True(t, hasMessage(hook, "Dynamic command list unavailable, using built-in read-only list"))
	assert.True(t, hasMessage(hook, "Cluster auto-detection unavailable"))

	// the handle is untouched
	got, ok := reg.FindByID(h.ID())
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.False(t, client.Closed())
}

// TestProbeSkipsClusterQuery tests that only standalone handles ask for
// cluster status
func TestProbeSkipsClusterQuery(t *testing.T) {
	tests := []struct {
		name string
		desc connection.Descriptor
	}{
		{"cluster", connection.Descriptor{Kind: connection.KindCluster, Nodes: []connection.Node{{Host: "a", Port: 7000}}}},
		{"sentinel", connection.Descriptor{Kind: connection.KindSentinel, SentinelGroup: "mymaster", SentinelNodes: []connection.Node{{Host: "s1", Port: 26379}}}},
		{"socket", connection.Descriptor{Kind: connection.KindUnixSocket, Path: "/tmp/redis.sock"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, hook := newTestManager(&storagetest.Factory{})
			client := storagetest.NewClient()
			client.Script("INFO cluster", "cluster_enabled:1\r\n", nil)
			h := storage.NewHandle(tt.desc, client, ":")

			m.ProbeCapabilities(context.Background(), h)

			assert.Equal(t, 0, client.CallCount("INFO"))
			assert.Equal(t, 1, client.CallCount("COMMAND"))
			assert.Equal(t, 1, client.CallCount("MODULE"))
			assert.Equal(t, storage.ClusterUnknown, h.Capabilities().Cluster)
			assert.True(t, hasMessage(hook, "Cluster auto-detection not applicable"))
		})
	}
}

// TestClusterAutoUpgrade tests replacement of a standalone connection whose
// server reports cluster mode
func TestClusterAutoUpgrade(t *testing.T) {
	f := &storagetest.Factory{Setup: func(d connection.Descriptor, c *storagetest.Client) {
		if d.Kind == connection.KindStandalone {
			c.Script("INFO cluster", "# Cluster\r\ncluster_enabled:1\r\n", nil)
		}
	}}
	m, reg, _ := newTestManager(f)
	ctx := context.Background()

	_, _, err := m.Connect(ctx, standalone("a", 6379, 0))
	require.NoError(t, err)
	_, _, err = m.Connect(ctx, standalone("10.0.0.1", 6379, 0))
	require.NoError(t, err)
	_, _, err = m.Connect(ctx, standalone("c", 6379, 0))
	require.NoError(t, err)

	// only the middle connection reports cluster mode
	created := f.Created()
	require.Len(t, created, 3)
	created[0].Script("INFO cluster", "cluster_enabled:0\r\n", nil)
	created[2].Script("INFO cluster", "cluster_enabled:0\r\n", nil)
	original := created[1]

	for _, c := range created {
		c.Connect()
	}

	assert.Eventually(t, func() bool {
		h, ok := reg.FindByID("R:10.0.0.1:6379:0")
		return ok && h.Kind() == connection.KindCluster
	}, waitFor, tick)

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "R:a:6379:0", list[0].ID())
	assert.Equal(t, "R:10.0.0.1:6379:0", list[1].ID())
	assert.Equal(t, connection.KindCluster, list[1].Kind())
	assert.Equal(t, "R:c:6379:0", list[2].ID())

	d := list[1].Descriptor()
	require.Len(t, d.Nodes, 1)
	assert.Equal(t, "10.0.0.1", d.Nodes[0].Host)
	assert.Equal(t, connection.Port(6379), d.Nodes[0].Port)
	assert.Equal(t, connection.DatabaseIndex(0), d.DB)
	assert.Empty(t, d.ID)

	// the kept derived id is pinned for persistence
	saved := reg.Descriptors()
	require.Len(t, saved, 3)
	assert.Empty(t, saved[0].ID)
	assert.Equal(t, connection.KindCluster, saved[1].Kind)
	assert.Equal(t, "R:10.0.0.1:6379:0", saved[1].ID)

	assert.Eventually(t, original.Closed, waitFor, tick)

	// the cluster handle never asks for cluster status
	descs := f.Descriptors()
	require.Len(t, descs, 4)
	assert.Equal(t, connection.KindCluster, descs[3].Kind)
	upgraded := f.Created()[3]
	upgraded.Connect()
	assert.Eventually(t, func() bool { return upgraded.CallCount("COMMAND") == 1 }, waitFor, tick)
	assert.Equal(t, 0, upgraded.CallCount("INFO"))
	assert.Equal(t, 3, reg.Len())
}

// TestUpgradeHook tests the callback run after a successful upgrade and that
// a configured id is carried over
func TestUpgradeHook(t *testing.T) {
	f := &storagetest.Factory{Setup: func(d connection.Descriptor, c *storagetest.Client) {
		if d.Kind == connection.KindStandalone {
			c.Script("INFO cluster", "cluster_enabled:1\r\n", nil)
		}
	}}
	upgraded := make(chan *storage.Handle, 1)
	logger, _ := test.NewNullLogger()
	reg := registry.New()
	m := NewManager(reg, f.New, Options{
		Logger:     logger,
		NewBackOff: func() backoff.BackOff { return &backoff.StopBackOff{} },
		OnUpgrade:  func(h *storage.Handle) { upgraded <- h },
	})

	d := standalone("10.0.0.1", 6379, 0)
	d.ID = "prod"
	d.Label = "production"
	_, _, err := m.Connect(context.Background(), d)
	require.NoError(t, err)
	f.Created()[0].Connect()

	select {
	case h := <-upgraded:
		assert.Equal(t, "prod", h.ID())
		assert.Equal(t, "production", h.Label())
		assert.Equal(t, connection.KindCluster, h.Kind())
		assert.Equal(t, "prod", h.Descriptor().ID)
	case <-time.After(waitFor):
		t.Fatal("upgrade hook not called")
	}
	assert.Equal(t, "prod", reg.Descriptors()[0].ID)
}

// TestUpgradeAfterRemoval tests that an upgrade racing with Disconnect does
// not resurrect the connection
func TestUpgradeAfterRemoval(t *testing.T) {
	f := &storagetest.Factory{}
	m, reg, _ := newTestManager(f)

	client := storagetest.NewClient()
	h := storage.NewHandle(standalone("10.0.0.1", 6379, 0), client, ":")

	m.upgrade(h)

	assert.Equal(t, 0, reg.Len())
	require.Len(t, f.Created(), 1)
	assert.True(t, f.Created()[0].Closed())
}

// TestDisconnect tests removal and close
func TestDisconnect(t *testing.T) {
	f := &storagetest.Factory{}
	m, reg, _ := newTestManager(f)

	h, _, err := m.Connect(context.Background(), standalone("localhost", 6379, 0))
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(h.ID()))
	assert.Equal(t, 0, reg.Len())
	assert.True(t, f.Created()[0].Closed())

	status, _ := h.Status()
	assert.Equal(t, storage.StatusEnded, status)

	assert.ErrorIs(t, m.Disconnect(h.ID()), registry.ErrNotFound)
}

// TestTestConnection tests the throwaway connectivity check
func TestTestConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("reachable", func(t *testing.T) {
		f := &storagetest.Factory{}
		m, reg, _ := newTestManager(f)

		require.NoError(t, m.Test(ctx, standalone("localhost", 6379, 0)))
		assert.Equal(t, 0, reg.Len())
		require.Len(t, f.Created(), 1)
		assert.True(t, f.Created()[0].Closed())
	})

	t.Run("unreachable", func(t *testing.T) {
		f := &storagetest.Factory{Setup: func(_ connection.Descriptor, c *storagetest.Client) {
			c.Script("PING", nil, errors.New("dial tcp: connection refused"))
		}}
		m, _, _ := newTestManager(f)

		err := m.Test(ctx, standalone("localhost", 6379, 0))
		assert.ErrorContains(t, err, "connection refused")
		assert.True(t, f.Created()[0].Closed())
	})

	t.Run("invalid", func(t *testing.T) {
		m, _, _ := newTestManager(&storagetest.Factory{})
		err := m.Test(ctx, connection.Descriptor{Kind: connection.KindCluster})
		assert.ErrorIs(t, err, connection.ErrInvalidDescriptor)
	})
}

// TestShutdown tests closing every handle
func TestShutdown(t *testing.T) {
	f := &storagetest.Factory{}
	m, reg, _ := newTestManager(f)

	for _, host := range []string{"a", "b", "c"} {
		_, _, err := m.Connect(context.Background(), standalone(host, 6379, 0))
		require.NoError(t, err)
	}

	require.NoError(t, m.Shutdown())
	for _, c := range f.Created() {
		assert.True(t, c.Closed())
	}
	assert.Equal(t, 3, reg.Len())
}
