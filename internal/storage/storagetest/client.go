// Package storagetest provides an in-memory storage.Client for tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/kvconsole/internal/connection"
	"github.com/dreamware/kvconsole/internal/storage"
)

// Reply is a scripted answer for one command.
type Reply struct {
	Val any
	Err error
}

// Client implements storage.Client with in-memory data structures and
// scripted replies. Replies mimic go-redis RESP2 shapes: strings, int64 and
// []any.
// Thread-safe: data and call log are protected by mu.
type Client struct {
	storage.Emitter

	// Latency is slept inside every Do call, outside the lock.
	Latency time.Duration

	mu       sync.Mutex
	strings  map[string]string
	lists    map[string][]string
	sets     map[string]map[string]struct{}
	zsets    map[string]map[string]float64
	hashes   map[string]map[string]string
	ttls     map[string]int64
	replies  map[string]Reply
	calls    [][]string
	closed   bool
	inFlight int
	peak     int
	scanErr  error
}

// NewClient creates an empty fake client.
func NewClient() *Client {
	return &Client{
		strings: make(map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
		ttls:    make(map[string]int64),
		replies: make(map[string]Reply),
	}
}

// Script makes Do return val/err for cmd. cmd is matched against the
// space-joined, upper-cased arguments first, then against the command name.
func (c *Client) Script(cmd string, val any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[strings.ToUpper(cmd)] = Reply{Val: val, Err: err}
}

// FailScan makes ScanKeys return err.
func (c *Client) FailScan(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanErr = err
}

// Seeding helpers.

func (c *Client) SetString(key, val string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[key] = val
}

func (c *Client) SetList(key string, vals ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append([]string(nil), vals...)
}

func (c *Client) SetSet(key string, members ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := make(map[string]struct{}, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	c.sets[key] = s
}

func (c *Client) SetZSet(key string, scores map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	z := make(map[string]float64, len(scores))
	for m, s := range scores {
		z[m] = s
	}
	c.zsets[key] = z
}

func (c *Client) SetHash(key string, fields map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := make(map[string]string, len(fields))
	for f, v := range fields {
		h[f] = v
	}
	c.hashes[key] = h
}

// Event helpers.

// Connect emits connect followed by ready.
func (c *Client) Connect() {
	c.Emit(storage.EventConnect, nil)
	c.Emit(storage.EventReady, nil)
}

// Fail emits an error event.
func (c *Client) Fail(err error) {
	c.Emit(storage.EventError, err)
}

// Drop emits an end event as if the connection was lost.
func (c *Client) Drop() {
	c.Emit(storage.EventEnd, io.EOF)
}

// Inspection helpers.

// Calls returns a copy of every command received, in order.
func (c *Client) Calls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times the named command was sent.
func (c *Client) CallCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if len(call) > 0 && strings.EqualFold(call[0], name) {
			n++
		}
	}
	return n
}

// PeakInFlight returns the largest number of concurrent Do calls observed.
func (c *Client) PeakInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close marks the client closed and emits end with storage.ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.Emit(storage.EventEnd, storage.ErrClientClosed)
	return nil
}

// ScanKeys returns every key of every type matching the glob pattern, sorted.
func (c *Client) ScanKeys(ctx context.Context, match string, count int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, storage.ErrClientClosed
	}
	if c.scanErr != nil {
		return nil, c.scanErr
	}
	re, err := globRegexp(match)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range c.allKeys() {
		if re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Do executes a scripted reply or one of the built-in commands.
func (c *Client) Do(ctx context.Context, args ...any) (any, error) {
	strArgs := make([]string, len(args))
	for i, a := range args {
		strArgs[i] = fmt.Sprint(a)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, storage.ErrClientClosed
	}
	c.calls = append(c.calls, strArgs)
	c.inFlight++
	if c.inFlight > c.peak {
		c.peak = c.inFlight
	}
	c.mu.Unlock()

	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--

	if len(strArgs) == 0 {
		return nil, errors.New("ERR empty command")
	}
	if r, ok := c.replies[strings.ToUpper(strings.Join(strArgs, " "))]; ok {
		return r.Val, r.Err
	}
	if r, ok := c.replies[strings.ToUpper(strArgs[0])]; ok {
		return r.Val, r.Err
	}
	return c.exec(strings.ToUpper(strArgs[0]), strArgs[1:])
}

func (c *Client) allKeys() []string {
	var keys []string
	for k := range c.strings {
		keys = append(keys, k)
	}
	for k := range c.lists {
		keys = append(keys, k)
	}
	for k := range c.sets {
		keys = append(keys, k)
	}
	for k := range c.zsets {
		keys = append(keys, k)
	}
	for k := range c.hashes {
		keys = append(keys, k)
	}
	return keys
}

func (c *Client) typeOf(key string) string {
	switch {
	case hasKey(c.strings, key):
		return "string"
	case hasKey(c.lists, key):
		return "list"
	case hasKey(c.sets, key):
		return "set"
	case hasKey(c.zsets, key):
		return "zset"
	case hasKey(c.hashes, key):
		return "hash"
	}
	return "none"
}

func hasKey[V any](m map[string]V, k string) bool {
	_, ok := m[k]
	return ok
}

func (c *Client) del(key string) bool {
	existed := c.typeOf(key) != "none"
	delete(c.strings, key)
	delete(c.lists, key)
	delete(c.sets, key)
	delete(c.zsets, key)
	delete(c.hashes, key)
	delete(c.ttls, key)
	return existed
}

func wrongType() error {
	return errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
}

func arity(name string) error {
	return fmt.Errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))
}

func (c *Client) exec(name string, a []string) (any, error) {
	need := func(n int) error {
		if len(a) < n {
			return arity(name)
		}
		return nil
	}
	// typed reports WRONGTYPE when key exists with another type.
	typed := func(key, want string) error {
		if t := c.typeOf(key); t != "none" && t != want {
			return wrongType()
		}
		return nil
	}

	switch name {
	case "PING":
		return "PONG", nil
	case "INFO":
		return "", nil
	case "DBSIZE":
		return int64(len(c.allKeys())), nil
	case "TYPE":
		if err := need(1); err != nil {
			return nil, err
		}
		return c.typeOf(a[0]), nil
	case "EXISTS":
		var n int64
		for _, k := range a {
			if c.typeOf(k) != "none" {
				n++
			}
		}
		return n, nil
	case "DEL":
		var n int64
		for _, k := range a {
			if c.del(k) {
				n++
			}
		}
		return n, nil
	case "TTL":
		if err := need(1); err != nil {
			return nil, err
		}
		if c.typeOf(a[0]) == "none" {
			return int64(-2), nil
		}
		if ttl, ok := c.ttls[a[0]]; ok {
			return ttl, nil
		}
		return int64(-1), nil
	case "EXPIRE":
		if err := need(2); err != nil {
			return nil, err
		}
		secs, err := strconv.ParseInt(a[1], 10, 64)
		if err != nil {
			return nil, errors.New("ERR value is not an integer or out of range")
		}
		if c.typeOf(a[0]) == "none" {
			return int64(0), nil
		}
		c.ttls[a[0]] = secs
		return int64(1), nil
	case "PERSIST":
		if err := need(1); err != nil {
			return nil, err
		}
		if _, ok := c.ttls[a[0]]; !ok {
			return int64(0), nil
		}
		delete(c.ttls, a[0])
		return int64(1), nil
	case "RENAME":
		if err := need(2); err != nil {
			return nil, err
		}
		return c.rename(a[0], a[1])

	case "GET":
		if err := need(1); err != nil {
			return nil, err
		}
		if err := typed(a[0], "string"); err != nil {
			return nil, err
		}
		v, ok := c.strings[a[0]]
		if !ok {
			return nil, storage.ErrNil
		}
		return v, nil
	case "SET":
		if err := need(2); err != nil {
			return nil, err
		}
		ttl, hasTTL := c.ttls[a[0]]
		c.del(a[0])
		c.strings[a[0]] = a[1]
		if hasTTL && len(a) > 2 && strings.EqualFold(a[2], "KEEPTTL") {
			c.ttls[a[0]] = ttl
		}
		return "OK", nil
	case "STRLEN":
		if err := need(1); err != nil {
			return nil, err
		}
		return int64(len(c.strings[a[0]])), nil

	case "LLEN":
		if err := need(1); err != nil {
			return nil, err
		}
		if err := typed(a[0], "list"); err != nil {
			return nil, err
		}
		return int64(len(c.lists[a[0]])), nil
	case "LRANGE":
		if err := need(3); err != nil {
			return nil, err
		}
		if err := typed(a[0], "list"); err != nil {
			return nil, err
		}
		l := c.lists[a[0]]
		start, stop := rangeBounds(a[1], a[2], len(l))
		out := []any{}
		for i := start; i <= stop; i++ {
			out = append(out, l[i])
		}
		return out, nil
	case "LPUSH", "RPUSH":
		if err := need(2); err != nil {
			return nil, err
		}
		if err := typed(a[0], "list"); err != nil {
			return nil, err
		}
		for _, v := range a[1:] {
			if name == "LPUSH" {
				c.lists[a[0]] = append([]string{v}, c.lists[a[0]]...)
			} else {
				c.lists[a[0]] = append(c.lists[a[0]], v)
			}
		}
		return int64(len(c.lists[a[0]])), nil
	case "LSET":
		if err := need(3); err != nil {
			return nil, err
		}
		l, ok := c.lists[a[0]]
		if !ok {
			return nil, errors.New("ERR no such key")
		}
		i, err := strconv.Atoi(a[1])
		if err != nil {
			return nil, errors.New("ERR value is not an integer or out of range")
		}
		if i < 0 {
			i += len(l)
		}
		if i < 0 || i >= len(l) {
			return nil, errors.New("ERR index out of range")
		}
		l[i] = a[2]
		return "OK", nil
	case "LREM":
		if err := need(3); err != nil {
			return nil, err
		}
		l := c.lists[a[0]]
		kept := l[:0:0]
		var removed int64
		for _, v := range l {
			if v == a[2] {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		c.lists[a[0]] = kept
		return removed, nil

	case "SCARD":
		if err := need(1); err != nil {
			return nil, err
		}
		if err := typed(a[0], "set"); err != nil {
			return nil, err
		}
		return int64(len(c.sets[a[0]])), nil
	case "SMEMBERS":
		if err := need(1); err != nil {
			return nil, err
		}
		if err := typed(a[0], "set"); err != nil {
			return nil, err
		}
		members := make([]string, 0, len(c.sets[a[0]]))
		for m := range c.sets[a[0]] {
			members = append(members, m)
		}
		sort.Strings(members)
		out := make([]any, len(members))
		for i, m := range members {
			out[i] = m
		}
		return out, nil
	case "SADD":
		if err := need(2); err != nil {
			return nil, err
		}
		if err := typed(a[0], "set"); err != nil {
			return nil, err
		}
		if c.sets[a[0]] == nil {
			c.sets[a[0]] = make(map[string]struct{})
		}
		var n int64
		for _, m := range a[1:] {
			if _, ok := c.sets[a[0]][m]; !ok {
				c.sets[a[0]][m] = struct{}{}
				n++
			}
		}
		return n, nil
	case "SREM":
		if err := need(2); err != nil {
			return nil, err
		}
		var n int64
		for _, m := range a[1:] {
			if _, ok := c.sets[a[0]][m]; ok {
				delete(c.sets[a[0]], m)
				n++
			}
		}
		if len(c.sets[a[0]]) == 0 {
			delete(c.sets, a[0])
		}
		return n, nil

	case "ZCARD":
		if err := need(1); err != nil {
			return nil, err
		}
		if err := typed(a[0], "zset"); err != nil {
			return nil, err
		}
		return int64(len(c.zsets[a[0]])), nil
	case "ZRANGE":
		if err := need(3); err != nil {
			return nil, err
		}
		if err := typed(a[0], "zset"); err != nil {
			return nil, err
		}
		withScores := len(a) > 3 && strings.EqualFold(a[3], "WITHSCORES")
		members := c.sortedZSet(a[0])
		start, stop := rangeBounds(a[1], a[2], len(members))
		out := []any{}
		for i := start; i <= stop; i++ {
			out = append(out, members[i])
			if withScores {
				out = append(out, strconv.FormatFloat(c.zsets[a[0]][members[i]], 'f', -1, 64))
			}
		}
		return out, nil
	case "ZADD":
		if err := need(3); err != nil {
			return nil, err
		}
		if err := typed(a[0], "zset"); err != nil {
			return nil, err
		}
		if len(a[1:])%2 != 0 {
			return nil, errors.New("ERR syntax error")
		}
		if c.zsets[a[0]] == nil {
			c.zsets[a[0]] = make(map[string]float64)
		}
		var n int64
		for i := 1; i < len(a); i += 2 {
			score, err := strconv.ParseFloat(a[i], 64)
			if err != nil {
				return nil, errors.New("ERR value is not a valid float")
			}
			if _, ok := c.zsets[a[0]][a[i+1]]; !ok {
				n++
			}
			c.zsets[a[0]][a[i+1]] = score
		}
		return n, nil
	case "ZREM":
		if err := need(2); err != nil {
			return nil, err
		}
		var n int64
		for _, m := range a[1:] {
			if _, ok := c.zsets[a[0]][m]; ok {
				delete(c.zsets[a[0]], m)
				n++
			}
		}
		if len(c.zsets[a[0]]) == 0 {
			delete(c.zsets, a[0])
		}
		return n, nil

	case "HLEN":
		if err := need(1); err != nil {
			return nil, err
		}
		return int64(len(c.hashes[a[0]])), nil
	case "HGETALL":
		if err := need(1); err != nil {
			return nil, err
		}
		if err := typed(a[0], "hash"); err != nil {
			return nil, err
		}
		fields := make([]string, 0, len(c.hashes[a[0]]))
		for f := range c.hashes[a[0]] {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		out := []any{}
		for _, f := range fields {
			out = append(out, f, c.hashes[a[0]][f])
		}
		return out, nil
	case "HSET":
		if err := need(3); err != nil {
			return nil, err
		}
		if err := typed(a[0], "hash"); err != nil {
			return nil, err
		}
		if len(a[1:])%2 != 0 {
			return nil, arity(name)
		}
		if c.hashes[a[0]] == nil {
			c.hashes[a[0]] = make(map[string]string)
		}
		var n int64
		for i := 1; i < len(a); i += 2 {
			if _, ok := c.hashes[a[0]][a[i]]; !ok {
				n++
			}
			c.hashes[a[0]][a[i]] = a[i+1]
		}
		return n, nil
	case "HDEL":
		if err := need(2); err != nil {
			return nil, err
		}
		var n int64
		for _, f := range a[1:] {
			if _, ok := c.hashes[a[0]][f]; ok {
				delete(c.hashes[a[0]], f)
				n++
			}
		}
		if len(c.hashes[a[0]]) == 0 {
			delete(c.hashes, a[0])
		}
		return n, nil
	}
	return nil, fmt.Errorf("ERR unknown command '%s'", strings.ToLower(name))
}

func (c *Client) rename(from, to string) (any, error) {
	t := c.typeOf(from)
	if t == "none" {
		return nil, errors.New("ERR no such key")
	}
	ttl, hasTTL := c.ttls[from]
	var (
		s  string
		l  []string
		st map[string]struct{}
		z  map[string]float64
		h  map[string]string
	)
	switch t {
	case "string":
		s = c.strings[from]
	case "list":
		l = c.lists[from]
	case "set":
		st = c.sets[from]
	case "zset":
		z = c.zsets[from]
	case "hash":
		h = c.hashes[from]
	}
	c.del(from)
	c.del(to)
	switch t {
	case "string":
		c.strings[to] = s
	case "list":
		c.lists[to] = l
	case "set":
		c.sets[to] = st
	case "zset":
		c.zsets[to] = z
	case "hash":
		c.hashes[to] = h
	}
	if hasTTL {
		c.ttls[to] = ttl
	}
	return "OK", nil
}

func (c *Client) sortedZSet(key string) []string {
	z := c.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if z[members[i]] != z[members[j]] {
			return z[members[i]] < z[members[j]]
		}
		return members[i] < members[j]
	})
	return members
}

// rangeBounds resolves LRANGE-style inclusive bounds with negative indexes.
// stop < start means an empty range.
func rangeBounds(startStr, stopStr string, n int) (int, int) {
	start, _ := strconv.Atoi(startStr)
	stop, _ := strconv.Atoi(stopStr)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

// globRegexp converts a store glob pattern into an anchored regexp.
func globRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch ch := pattern[i]; ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			}
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta("["))
				continue
			}
			b.WriteString(pattern[i : i+end+1])
			i += end
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Factory records every client it creates. Setup, when set, runs on each new
// client before it is returned.
type Factory struct {
	Setup func(d connection.Descriptor, c *Client)
	Err   error

	mu      sync.Mutex
	created []*Client
	descs   []connection.Descriptor
}

// New implements storage.Factory.
func (f *Factory) New(d connection.Descriptor) (storage.Client, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewClient()
	if f.Setup != nil {
		f.Setup(d, c)
	}
	f.mu.Lock()
	f.created = append(f.created, c)
	f.descs = append(f.descs, d)
	f.mu.Unlock()
	return c, nil
}

// Created returns the clients created so far, in order.
func (f *Factory) Created() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.created...)
}

// Descriptors returns the descriptors passed to New, in order.
func (f *Factory) Descriptors() []connection.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connection.Descriptor(nil), f.descs...)
}
