// Package inspect reads and edits single keys and runs ad-hoc commands on a
// connection handle.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dreamware/kvconsole/internal/storage"
)

var (
	// ErrKeyNotFound is returned when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrReadOnly is returned for writes while the console runs read-only.
	ErrReadOnly = errors.New("console is read-only")

	// ErrUnsupportedType is returned for value types the console cannot show.
	ErrUnsupportedType = errors.New("unsupported value type")
)

// Value types as reported by TYPE.
const (
	TypeString = "string"
	TypeList   = "list"
	TypeSet    = "set"
	TypeZSet   = "zset"
	TypeHash   = "hash"
	TypeStream = "stream"
	TypeJSON   = "ReJSON-RL"
)

// DefaultWindow is the page size for list, zset and stream reads.
const DefaultWindow = 100

// Window selects a page of a list, sorted set or stream.
type Window struct {
	Offset int64
	Count  int64
}

func (w Window) bounds() (start, stop int64) {
	count := w.Count
	if count <= 0 {
		count = DefaultWindow
	}
	start = w.Offset
	if start < 0 {
		start = 0
	}
	return start, start + count - 1
}

// Value is one key with its data. Data holds a string, []string,
// []ScoredMember, map[string]string or []StreamEntry depending on Type.
type Value struct {
	Key  string `json:"key"`
	Type string `json:"type"`
	TTL  int64  `json:"ttl"`
	Size int64  `json:"size"`
	Data any    `json:"data"`
}

// ScoredMember is one sorted-set member.
type ScoredMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// StreamEntry is one stream record.
type StreamEntry struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Inspector works on one handle.
type Inspector struct {
	client   storage.Client
	caps     storage.Capabilities
	readOnly bool
}

// New creates an Inspector for h. With readOnly set every write fails with
// ErrReadOnly and Exec only runs read-only commands.
func New(h *storage.Handle, readOnly bool) *Inspector {
	return &Inspector{
		client:   h.Client(),
		caps:     h.Capabilities(),
		readOnly: readOnly,
	}
}

// Get reads key. List, zset and stream data are limited to w.
func (in *Inspector) Get(ctx context.Context, key string, w Window) (*Value, error) {
	typ, err := in.str(ctx, "TYPE", key)
	if err != nil {
		return nil, err
	}
	if typ == "none" {
		return nil, ErrKeyNotFound
	}
	ttl, err := in.int(ctx, "TTL", key)
	if err != nil {
		return nil, err
	}
	v := &Value{Key: key, Type: typ, TTL: ttl}
	start, stop := w.bounds()

	switch typ {
	case TypeString:
		s, err := in.str(ctx, "GET", key)
		if err != nil {
			return nil, err
		}
		v.Data, v.Size = s, int64(len(s))

	case TypeList:
		if v.Size, err = in.int(ctx, "LLEN", key); err != nil {
			return nil, err
		}
		if v.Data, err = in.strings(ctx, "LRANGE", key, start, stop); err != nil {
			return nil, err
		}

	case TypeSet:
		if v.Size, err = in.int(ctx, "SCARD", key); err != nil {
			return nil, err
		}
		if v.Data, err = in.strings(ctx, "SMEMBERS", key); err != nil {
			return nil, err
		}

	case TypeZSet:
		if v.Size, err = in.int(ctx, "ZCARD", key); err != nil {
			return nil, err
		}
		flat, err := in.strings(ctx, "ZRANGE", key, start, stop, "WITHSCORES")
		if err != nil {
			return nil, err
		}
		members := make([]ScoredMember, 0, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			score, err := strconv.ParseFloat(flat[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("zrange: bad score %q: %w", flat[i+1], err)
			}
			members = append(members, ScoredMember{Member: flat[i], Score: score})
		}
		v.Data = members

	case TypeHash:
		if v.Size, err = in.int(ctx, "HLEN", key); err != nil {
			return nil, err
		}
		flat, err := in.strings(ctx, "HGETALL", key)
		if err != nil {
			return nil, err
		}
		fields := make(map[string]string, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			fields[flat[i]] = flat[i+1]
		}
		v.Data = fields

	case TypeStream:
		if v.Size, err = in.int(ctx, "XLEN", key); err != nil {
			return nil, err
		}
		if v.Data, err = in.stream(ctx, key, stop-start+1); err != nil {
			return nil, err
		}

	case TypeJSON:
		if !in.caps.HasModule("ReJSON") {
			return nil, fmt.Errorf("%w: %s without the ReJSON module", ErrUnsupportedType, typ)
		}
		s, err := in.str(ctx, "JSON.GET", key)
		if err != nil {
			return nil, err
		}
		v.Data, v.Size = s, int64(len(s))

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
	}
	return v, nil
}

func (in *Inspector) stream(ctx context.Context, key string, count int64) ([]StreamEntry, error) {
	reply, err := in.client.Do(ctx, "XRANGE", key, "-", "+", "COUNT", count)
	if err != nil {
		return nil, err
	}
	records, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("xrange: unexpected reply %T", reply)
	}
	entries := make([]StreamEntry, 0, len(records))
	for _, r := range records {
		rec, ok := r.([]any)
		if !ok || len(rec) != 2 {
			continue
		}
		flat, err := toStrings(rec[1])
		if err != nil {
			return nil, err
		}
		e := StreamEntry{ID: fmt.Sprint(rec[0]), Fields: make(map[string]string, len(flat)/2)}
		for i := 0; i+1 < len(flat); i += 2 {
			e.Fields[flat[i]] = flat[i+1]
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (in *Inspector) str(ctx context.Context, args ...any) (string, error) {
	reply, err := in.client.Do(ctx, args...)
	if errors.Is(err, storage.ErrNil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	s, ok := reply.(string)
	if !ok {
		return "", fmt.Errorf("%v: unexpected reply %T", args[0], reply)
	}
	return s, nil
}

func (in *Inspector) int(ctx context.Context, args ...any) (int64, error) {
	reply, err := in.client.Do(ctx, args...)
	if err != nil {
		return 0, err
	}
	n, ok := reply.(int64)
	if !ok {
		return 0, fmt.Errorf("%v: unexpected reply %T", args[0], reply)
	}
	return n, nil
}

func (in *Inspector) strings(ctx context.Context, args ...any) ([]string, error) {
	reply, err := in.client.Do(ctx, args...)
	if err != nil {
		return nil, err
	}
	return toStrings(reply)
}

func toStrings(reply any) ([]string, error) {
	items, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %T", reply)
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = fmt.Sprint(item)
	}
	return out, nil
}
