package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dreamware/kvconsole/internal/api"
	"github.com/dreamware/kvconsole/internal/config"
	"github.com/dreamware/kvconsole/internal/connection"
	"github.com/dreamware/kvconsole/internal/lifecycle"
	"github.com/dreamware/kvconsole/internal/registry"
	"github.com/dreamware/kvconsole/internal/storage/storagetest"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "KVCONSOLE_TEST_ENV_VAR",
			value:    "test_value",
			def:      "default",
			expected: "test_value",
		},
		{
			name:     "environment variable not set",
			key:      "KVCONSOLE_UNSET_ENV_VAR",
			def:      "default_value",
			expected: "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			assert.Equal(t, tt.expected, getenv(tt.key, tt.def))
		})
	}

	t.Run("empty environment variable returns default", func(t *testing.T) {
		t.Setenv("KVCONSOLE_EMPTY_ENV_VAR", "")
		assert.Equal(t, "fallback", getenv("KVCONSOLE_EMPTY_ENV_VAR", "fallback"))
	})
}

// TestGetenvBool tests boolean environment parsing
func TestGetenvBool(t *testing.T) {
	t.Setenv("KVCONSOLE_BOOL_TRUE", "true")
	t.Setenv("KVCONSOLE_BOOL_ONE", "1")
	t.Setenv("KVCONSOLE_BOOL_JUNK", "maybe")

	assert.True(t, getenvBool("KVCONSOLE_BOOL_TRUE", false))
	assert.True(t, getenvBool("KVCONSOLE_BOOL_ONE", false))
	assert.True(t, getenvBool("KVCONSOLE_BOOL_JUNK", true))
	assert.False(t, getenvBool("KVCONSOLE_BOOL_UNSET", false))
}

// TestNewLogger tests level and format selection
func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger, err = newLogger("warn", "")
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	_, err = newLogger("loud", "text")
	assert.Error(t, err)
	_, err = newLogger("info", "xml")
	assert.ErrorContains(t, err, "xml")
}

// TestApplyFlags tests flag overrides on the file configuration
func TestApplyFlags(t *testing.T) {
	base := config.Default()
	base.Redis.ReadOnly = true

	cfg := applyFlags(base, &options{})
	assert.Equal(t, base, cfg)

	cfg = applyFlags(config.Default(), &options{addr: ":9999", foldingChar: "/", readOnly: true})
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, "/", cfg.UI.FoldingChar)
	assert.True(t, cfg.Redis.ReadOnly)
}

// TestRootFlagsFromEnv tests that env vars supply flag defaults
func TestRootFlagsFromEnv(t *testing.T) {
	t.Setenv("KVCONSOLE_ADDR", ":1234")
	t.Setenv("KVCONSOLE_READ_ONLY", "true")

	cmd := newRootCmd()
	addr, err := cmd.Flags().GetString("addr")
	require.NoError(t, err)
	assert.Equal(t, ":1234", addr)

	ro, err := cmd.Flags().GetBool("read-only")
	require.NoError(t, err)
	assert.True(t, ro)
}

// TestHashPasswordCmd tests the bcrypt helper command
func TestHashPasswordCmd(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-password", "s3cret"})
	require.NoError(t, cmd.Execute())

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"hash-password"})
	assert.Error(t, cmd.Execute())
}

// TestConnectionsCmd tests listing connections of a running console
func TestConnectionsCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apiv2/connections", r.URL.Path)
		_, _ = w.Write([]byte(`[{"label":"local","connectionId":"R:localhost:6379:0","foldingChar":":",
			"options":{"host":"localhost","port":6379,"db":0,"type":"standalone"}}]`))
	}))
	defer srv.Close()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"connections", "--server", srv.URL})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ID")
	assert.Contains(t, lines[1], "R:localhost:6379:0")
	assert.Contains(t, lines[1], "standalone")
	assert.Contains(t, lines[1], "local")
}

// TestPersistOnUpgrade tests that a cluster upgrade is written to the
// configuration file under the id the connection was reachable by
func TestPersistOnUpgrade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvconsole.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connections:\n  - host: 10.0.0.1\n"), 0o600))
	file, err := config.Load(path)
	require.NoError(t, err)

	factory := &storagetest.Factory{Setup: func(d connection.Descriptor, c *storagetest.Client) {
		if d.Kind == connection.KindStandalone {
			c.Script("INFO cluster", "cluster_enabled:1\r\n", nil)
		}
	}}
	logger, _ := test.NewNullLogger()
	reg := registry.New()
	mgr := lifecycle.NewManager(reg, factory.New, lifecycle.Options{
		Logger:     logger,
		NewBackOff: func() backoff.BackOff { return &backoff.StopBackOff{} },
		OnUpgrade:  persistOnUpgrade(file, reg, logger),
	})
	require.Equal(t, 1, mgr.ConnectAll(context.Background(), file.Config().Connections))
	factory.Created()[0].Connect()

	require.Eventually(t, func() bool {
		reloaded, err := config.Load(path)
		if err != nil || len(reloaded.Config().Connections) != 1 {
			return false
		}
		return reloaded.Config().Connections[0].Kind == connection.KindCluster
	}, 5*time.Second, 10*time.Millisecond)

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	d := reloaded.Config().Connections[0]
	assert.Equal(t, "R:10.0.0.1:6379:0", d.ID)
	require.Len(t, d.Nodes, 1)
	assert.Equal(t, "10.0.0.1", d.Nodes[0].Host)
}

// TestRun tests startup, serving and graceful shutdown
func TestRun(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfgPath := filepath.Join(t.TempDir(), "kvconsole.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("ui:\n  folding_char: /\n"), 0o600))

	logger, hook := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, &options{configPath: cfgPath, addr: addr}, logger)
	}()

	var info api.ServerInfo
	require.Eventually(t, func() bool {
		return api.GetJSON(context.Background(), "http://"+addr+"/apiv2/server/info", &info) == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "/", info.FoldingChar)
	assert.False(t, info.ReadOnly)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	var messages []string
	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "Configuration loaded")
	assert.Contains(t, messages, "kvconsole stopped")
}

// TestRunBadConfig tests that an invalid configuration file aborts startup
func TestRunBadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "kvconsole.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server: [\n"), 0o600))

	logger, _ := test.NewNullLogger()
	err := run(context.Background(), &options{configPath: cfgPath}, logger)
	assert.ErrorContains(t, err, cfgPath)
}
