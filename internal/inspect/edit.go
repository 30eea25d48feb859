package inspect

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dreamware/kvconsole/internal/storage"
)

// Edit is one change to a key, as sent by the UI.
type Edit struct {
	// Op selects the change: set, hset, hdel, lpush, rpush, lset, lrem,
	// sadd, srem, zadd, zrem, expire, rename.
	Op     string  `json:"op"`
	Value  string  `json:"value,omitempty"`
	Field  string  `json:"field,omitempty"`
	Index  int64   `json:"index,omitempty"`
	Score  float64 `json:"score,omitempty"`
	TTL    int64   `json:"ttl,omitempty"`
	NewKey string  `json:"newKey,omitempty"`
}

// ErrUnknownOp is returned by Apply for an unrecognized Edit.Op.
var ErrUnknownOp = errors.New("unknown edit operation")

// Apply dispatches e to the matching edit method.
func (in *Inspector) Apply(ctx context.Context, key string, e Edit) error {
	switch e.Op {
	case "set":
		return in.SetString(ctx, key, e.Value)
	case "hset":
		return in.HashSet(ctx, key, e.Field, e.Value)
	case "hdel":
		return in.HashDelete(ctx, key, e.Field)
	case "lpush":
		return in.ListPush(ctx, key, e.Value, true)
	case "rpush":
		return in.ListPush(ctx, key, e.Value, false)
	case "lset":
		return in.ListSet(ctx, key, e.Index, e.Value)
	case "lrem":
		return in.ListRemove(ctx, key, e.Value)
	case "sadd":
		return in.SetAdd(ctx, key, e.Value)
	case "srem":
		return in.SetRemove(ctx, key, e.Value)
	case "zadd":
		return in.ZAdd(ctx, key, e.Score, e.Value)
	case "zrem":
		return in.ZRemove(ctx, key, e.Value)
	case "expire":
		return in.Expire(ctx, key, e.TTL)
	case "rename":
		return in.Rename(ctx, key, e.NewKey)
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
}

func (in *Inspector) write(ctx context.Context, args ...any) (any, error) {
	if in.readOnly {
		return nil, ErrReadOnly
	}
	return in.client.Do(ctx, args...)
}

func (in *Inspector) SetString(ctx context.Context, key, value string) error {
	_, err := in.write(ctx, "SET", key, value, "KEEPTTL")
	return err
}

func (in *Inspector) HashSet(ctx context.Context, key, field, value string) error {
	_, err := in.write(ctx, "HSET", key, field, value)
	return err
}

func (in *Inspector) HashDelete(ctx context.Context, key, field string) error {
	_, err := in.write(ctx, "HDEL", key, field)
	return err
}

// ListPush prepends value when head is set, appends otherwise.
func (in *Inspector) ListPush(ctx context.Context, key, value string, head bool) error {
	cmd := "RPUSH"
	if head {
		cmd = "LPUSH"
	}
	_, err := in.write(ctx, cmd, key, value)
	return err
}

func (in *Inspector) ListSet(ctx context.Context, key string, index int64, value string) error {
	_, err := in.write(ctx, "LSET", key, index, value)
	return err
}

// ListRemove removes every occurrence of value.
func (in *Inspector) ListRemove(ctx context.Context, key, value string) error {
	_, err := in.write(ctx, "LREM", key, 0, value)
	return err
}

func (in *Inspector) SetAdd(ctx context.Context, key, member string) error {
	_, err := in.write(ctx, "SADD", key, member)
	return err
}

func (in *Inspector) SetRemove(ctx context.Context, key, member string) error {
	_, err := in.write(ctx, "SREM", key, member)
	return err
}

func (in *Inspector) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := in.write(ctx, "ZADD", key, strconv.FormatFloat(score, 'f', -1, 64), member)
	return err
}

func (in *Inspector) ZRemove(ctx context.Context, key, member string) error {
	_, err := in.write(ctx, "ZREM", key, member)
	return err
}

// Delete removes key. It returns ErrKeyNotFound if nothing was deleted.
func (in *Inspector) Delete(ctx context.Context, key string) error {
	reply, err := in.write(ctx, "DEL", key)
	if err != nil {
		return err
	}
	if n, ok := reply.(int64); ok && n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Expire sets a TTL in seconds; ttl <= 0 removes it.
func (in *Inspector) Expire(ctx context.Context, key string, ttl int64) error {
	var (
		reply any
		err   error
	)
	if ttl <= 0 {
		reply, err = in.write(ctx, "PERSIST", key)
	} else {
		reply, err = in.write(ctx, "EXPIRE", key, ttl)
	}
	if err != nil {
		return err
	}
	// PERSIST answers 0 both for a missing key and a key without TTL
	if n, ok := reply.(int64); ok && n == 0 && ttl > 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (in *Inspector) Rename(ctx context.Context, key, newKey string) error {
	if newKey == "" {
		return errors.New("rename: new key is empty")
	}
	_, err := in.write(ctx, "RENAME", key, newKey)
	if err != nil && err.Error() == "ERR no such key" {
		return ErrKeyNotFound
	}
	return err
}

// nilToNone maps storage.ErrNil to a nil reply.
func nilToNone(reply any, err error) (any, error) {
	if errors.Is(err, storage.ErrNil) {
		return nil, nil
	}
	return reply, err
}
