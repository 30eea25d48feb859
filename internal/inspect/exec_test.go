package inspect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvconsole/internal/storage"
)

// TestExec tests splitting and sending ad-hoc commands
func TestExec(t *testing.T) {
	in, client, _ := newInspector(t, false)
	ctx := context.Background()

	reply, err := in.Exec(ctx, `SET "my key" 'hello world'`)
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)

	reply, err = in.Exec(ctx, `get "my key"`)
	require.NoError(t, err)
	assert.Equal(t, "hello world", reply)
	assert.Contains(t, client.Calls(), []string{"get", "my key"})

	reply, err = in.Exec(ctx, "GET missing")
	require.NoError(t, err)
	assert.Nil(t, reply)
}

// TestExecInvalid tests empty and malformed command lines
func TestExecInvalid(t *testing.T) {
	in, client, _ := newInspector(t, false)
	ctx := context.Background()

	for _, line := range []string{"", "   ", "\t"} {
		_, err := in.Exec(ctx, line)
		assert.ErrorIs(t, err, ErrEmptyCommand, "line %q", line)
	}

	_, err := in.Exec(ctx, `GET "unterminated`)
	assert.ErrorIs(t, err, ErrSyntax)
	assert.Empty(t, client.Calls())
}

// TestExecReadOnly tests the read-only guard with and without a command table
func TestExecReadOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("built-in list", func(t *testing.T) {
		in, client, _ := newInspector(t, true)
		client.SetString("k", "v")

		reply, err := in.Exec(ctx, "GET k")
		require.NoError(t, err)
		assert.Equal(t, "v", reply)

		_, err = in.Exec(ctx, "SET k x")
		assert.ErrorIs(t, err, ErrReadOnly)
		assert.ErrorContains(t, err, "SET")
		assert.Equal(t, 0, client.CallCount("SET"))
	})

	t.Run("server command table", func(t *testing.T) {
		in, client, h := newInspector(t, true)
		h.UpdateCapabilities(func(c *storage.Capabilities) {
			c.AllCommands = map[string]struct{}{"get": {}, "set": {}, "mycmd": {}}
			c.ReadOnlyCommands = map[string]struct{}{"mycmd": {}}
		})
		in = New(h, true)
		client.Script("MYCMD", "ok", nil)

		reply, err := in.Exec(ctx, "mycmd")
		require.NoError(t, err)
		assert.Equal(t, "ok", reply)

		// the server table wins over the built-in list
		_, err = in.Exec(ctx, "GET k")
		assert.ErrorIs(t, err, ErrReadOnly)
	})

	t.Run("writable console", func(t *testing.T) {
		in, _, _ := newInspector(t, false)
		_, err := in.Exec(ctx, "SET k x")
		assert.NoError(t, err)
	})
}

// TestIsReadOnly tests the built-in fallback list
func TestIsReadOnly(t *testing.T) {
	in, _, _ := newInspector(t, true)

	tests := []struct {
		name string
		want bool
	}{
		{"GET", true},
		{"hgetall", true},
		{"Scan", true},
		{"json.get", true},
		{"SET", false},
		{"FLUSHALL", false},
		{"CONFIG", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, in.IsReadOnly(tt.name))
		})
	}
}
