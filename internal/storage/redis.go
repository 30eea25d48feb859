package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dreamware/kvconsole/internal/connection"
)

// Timeouts bounds the go-redis client. Zero values keep the go-redis defaults.
type Timeouts struct {
	Dial       time.Duration
	Read       time.Duration
	Write      time.Duration
	MaxRetries int
}

// RedisClient implements Client on top of go-redis. It turns the client's
// dial, connect and command outcomes into Events.
type RedisClient struct {
	Emitter

	kind   connection.Kind
	client redis.UniversalClient
	closed atomic.Bool
}

// NewRedisFactory returns a Factory building RedisClients with the given
// timeouts.
func NewRedisFactory(t Timeouts) Factory {
	return func(d connection.Descriptor) (Client, error) {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		return NewRedisClient(d.ClientOptions(), t), nil
	}
}

// NewRedisClient creates the go-redis client matching opts.Kind. No
// connection is opened until the first command.
func NewRedisClient(opts connection.ClientOptions, t Timeouts) *RedisClient {
	c := &RedisClient{kind: opts.Kind}

	// OnConnect runs after the handshake of every new pooled connection.
	onConnect := func(ctx context.Context, cn *redis.Conn) error {
		c.Emit(EventConnect, nil)
		c.Emit(EventReady, nil)
		return nil
	}

	switch {
	case opts.Cluster != nil:
		o := *opts.Cluster
		o.OnConnect = onConnect
		o.DialTimeout, o.ReadTimeout, o.WriteTimeout = t.Dial, t.Read, t.Write
		if t.MaxRetries != 0 {
			o.MaxRetries = t.MaxRetries
		}
		c.client = redis.NewClusterClient(&o)
	case opts.Failover != nil:
		o := *opts.Failover
		o.OnConnect = onConnect
		o.DialTimeout, o.ReadTimeout, o.WriteTimeout = t.Dial, t.Read, t.Write
		if t.MaxRetries != 0 {
			o.MaxRetries = t.MaxRetries
		}
		c.client = redis.NewFailoverClient(&o)
	default:
		o := *opts.Simple
		o.OnConnect = onConnect
		o.DialTimeout, o.ReadTimeout, o.WriteTimeout = t.Dial, t.Read, t.Write
		if t.MaxRetries != 0 {
			o.MaxRetries = t.MaxRetries
		}
		c.client = redis.NewClient(&o)
	}

	c.client.AddHook(eventHook{c: c})
	return c
}

// Kind returns the kind of client that was built.
func (c *RedisClient) Kind() connection.Kind {
	return c.kind
}

// Do sends one command and returns its raw reply.
func (c *RedisClient) Do(ctx context.Context, args ...any) (any, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	v, err := c.client.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNil
	}
	return v, err
}

// ScanKeys collects keys matching match. On a cluster every master is
// scanned concurrently.
func (c *RedisClient) ScanKeys(ctx context.Context, match string, count int64) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	cc, ok := c.client.(*redis.ClusterClient)
	if !ok {
		return scanAll(ctx, c.client, match, count)
	}

	var (
		mu   sync.Mutex
		keys []string
	)
	err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		found, err := scanAll(ctx, node, match, count)
		if err != nil {
			return fmt.Errorf("scan %s: %w", node.Options().Addr, err)
		}
		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()
		return nil
	})
	return keys, err
}

func scanAll(ctx context.Context, c redis.Cmdable, match string, count int64) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	iter := c.Scan(ctx, 0, match, count).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// SCAN may return a key more than once
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys, iter.Err()
}

// Close closes the go-redis client and emits EventEnd with ErrClientClosed.
func (c *RedisClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.client.Close()
	c.Emit(EventEnd, ErrClientClosed)
	return err
}

// eventHook reports dial and transport failures as events.
type eventHook struct {
	c *RedisClient
}

func (h eventHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.c.Emit(EventError, fmt.Errorf("dial %s: %w", addr, err))
		}
		return conn, err
	}
}

func (h eventHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.observe(err)
		return err
	}
}

func (h eventHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		h.observe(err)
		return err
	}
}

// observe classifies a command error. Server error replies and nil replies
// are ordinary results; only transport failures become events.
func (h eventHook) observe(err error) {
	if err == nil || errors.Is(err, redis.Nil) || h.c.closed.Load() {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, redis.ErrClosed) {
		h.c.Emit(EventEnd, err)
		return
	}
	h.c.Emit(EventError, err)
}
