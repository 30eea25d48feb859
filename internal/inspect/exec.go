package inspect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
)

var (
	// ErrEmptyCommand is returned by Exec for a blank command line.
	ErrEmptyCommand = errors.New("empty command")

	// ErrSyntax is returned by Exec for unbalanced quotes or escapes.
	ErrSyntax = errors.New("command syntax error")
)

// builtinReadOnly is used when the server's command table is unknown.
var builtinReadOnly = map[string]struct{}{
	"dbsize": {}, "echo": {}, "exists": {}, "get": {}, "getrange": {},
	"hexists": {}, "hget": {}, "hgetall": {}, "hkeys": {}, "hlen": {},
	"hmget": {}, "hscan": {}, "hstrlen": {}, "hvals": {}, "info": {},
	"json.get": {}, "json.type": {}, "keys": {}, "lastsave": {}, "lindex": {},
	"llen": {}, "lrange": {}, "mget": {}, "ping": {}, "pttl": {},
	"randomkey": {}, "role": {}, "scan": {}, "scard": {}, "sismember": {},
	"smembers": {}, "srandmember": {}, "sscan": {}, "strlen": {}, "time": {},
	"ttl": {}, "type": {}, "xlen": {}, "xrange": {}, "xrevrange": {},
	"zcard": {}, "zcount": {}, "zrange": {}, "zrangebyscore": {}, "zrank": {},
	"zrevrange": {}, "zrevrank": {}, "zscan": {}, "zscore": {},
}

// IsReadOnly reports whether name may run while the console is read-only.
// The server's command table decides when it is known; otherwise a built-in
// list of read-only commands does.
func (in *Inspector) IsReadOnly(name string) bool {
	name = strings.ToLower(name)
	if ro, known := in.caps.IsReadOnly(name); known {
		return ro
	}
	_, ok := builtinReadOnly[name]
	return ok
}

// Exec splits line with shell quoting rules and sends it as one command.
// A nil reply is returned as nil without error. In read-only mode commands
// that are not read-only fail with ErrReadOnly.
func (in *Inspector) Exec(ctx context.Context, line string) (any, error) {
	parts, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if len(parts) == 0 {
		return nil, ErrEmptyCommand
	}
	if in.readOnly && !in.IsReadOnly(parts[0]) {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, strings.ToUpper(parts[0]))
	}

	args := make([]any, len(parts))
	for i, p := range parts {
		args[i] = p
	}
	return nilToNone(in.client.Do(ctx, args...))
}
