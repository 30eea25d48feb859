// Package keytree lists one level of a flat key namespace as a tree.
//
// Keys are split on a folding character. Asking for prefix "user" with
// folding character ":" over the keys
//
//	user:1  user:2:name  user:2:email  users
//
// scans "user:*" and yields
//
//	1      leaf
//	2 (2)  branch with two deeper keys
//
// Leaves are annotated with their type and, for lists, sets and sorted
// sets, their size.
package keytree

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/kvconsole/internal/storage"
)

// MaxSizeQueries caps the type/size queries in flight for one level.
const MaxSizeQueries = 10

// DefaultScanCount is the SCAN COUNT hint.
const DefaultScanCount = 1000

// Node is one entry of a tree level.
type Node struct {
	// Segment is the part of the key below the prefix, up to the next
	// folding character.
	Segment string `json:"segment"`

	// FullKey is prefix + folding char + Segment, or Segment at the root.
	FullKey string `json:"fullKey"`

	// Leaf is true when no key continues below this segment.
	Leaf bool `json:"leaf"`

	// ChildCount is the number of keys below a branch.
	ChildCount int `json:"childCount,omitempty"`

	// Key is true on a branch when FullKey itself also exists.
	Key bool `json:"key,omitempty"`

	// Type and Size annotate existing keys: leaves and branches with Key
	// set. Size is only set for list, set and zset.
	Type string `json:"type,omitempty"`
	Size *int64 `json:"size,omitempty"`
}

// Display is the label the node is sorted and shown by.
func (n Node) Display() string {
	if n.Leaf {
		return n.Segment
	}
	return fmt.Sprintf("%s (%d)", n.Segment, n.ChildCount)
}

// Pattern returns the SCAN pattern for the level below prefix. Glob
// specials in prefix are escaped.
func Pattern(prefix, delim string) string {
	if prefix == "" {
		return "*"
	}
	return EscapeGlob(prefix) + EscapeGlob(delim) + "*"
}

// EscapeGlob escapes the characters SCAN MATCH treats specially.
func EscapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Fold groups keys into one level below prefix, sorted by Display.
// Keys outside prefix are ignored.
func Fold(keys []string, prefix, delim string) []Node {
	start := ""
	if prefix != "" {
		start = prefix + delim
	}

	type entry struct {
		exact  bool
		deeper int
	}
	seen := make(map[string]*entry)
	var order []string

	for _, k := range keys {
		if !strings.HasPrefix(k, start) {
			continue
		}
		rest := k[len(start):]
		segment, _, deeper := strings.Cut(rest, delim)
		if delim == "" {
			segment, deeper = rest, false
		}
		e, ok := seen[segment]
		if !ok {
			e = &entry{}
			seen[segment] = e
			order = append(order, segment)
		}
		if deeper {
			e.deeper++
		} else {
			e.exact = true
		}
	}

	nodes := make([]Node, 0, len(order))
	for _, segment := range order {
		e := seen[segment]
		n := Node{
			Segment: segment,
			FullKey: start + segment,
			Leaf:    e.deeper == 0,
		}
		if !n.Leaf {
			n.ChildCount = e.deeper
			n.Key = e.exact
		}
		nodes = append(nodes, n)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Display() < nodes[j].Display()
	})
	return nodes
}

// Lister loads tree levels from a store client.
type Lister struct {
	// ScanCount is the SCAN COUNT hint. Zero uses DefaultScanCount.
	ScanCount int64

	// MaxInFlight caps concurrent type/size queries. Zero uses
	// MaxSizeQueries.
	MaxInFlight int64

	Log logrus.FieldLogger
}

// Level scans the keys below prefix, folds them and annotates the leaves.
//
// A failed annotation leaves that node without type and size; only a failed
// scan is returned as an error.
func (l *Lister) Level(ctx context.Context, client storage.Client, prefix, delim string) ([]Node, error) {
	count := l.ScanCount
	if count <= 0 {
		count = DefaultScanCount
	}
	keys, err := client.ScanKeys(ctx, Pattern(prefix, delim), count)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	nodes := Fold(keys, prefix, delim)
	l.annotate(ctx, client, nodes)
	return nodes, nil
}

func (l *Lister) annotate(ctx context.Context, client storage.Client, nodes []Node) {
	limit := l.MaxInFlight
	if limit <= 0 {
		limit = MaxSizeQueries
	}
	log := l.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup
	for i := range nodes {
		if !nodes[i].Leaf && !nodes[i].Key {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			defer sem.Release(1)
			if err := describe(ctx, client, n); err != nil {
				log.WithError(err).WithField("key", n.FullKey).Debug("Could not annotate key")
			}
		}(&nodes[i])
	}
	wg.Wait()
}

// describe sets n.Type and, for sized types, n.Size.
func describe(ctx context.Context, client storage.Client, n *Node) error {
	reply, err := client.Do(ctx, "TYPE", n.FullKey)
	if err != nil {
		return err
	}
	typ, ok := reply.(string)
	if !ok {
		return fmt.Errorf("type: unexpected reply %T", reply)
	}
	n.Type = typ

	var cmd string
	switch typ {
	case "list":
		cmd = "LLEN"
	case "set":
		cmd = "SCARD"
	case "zset":
		cmd = "ZCARD"
	default:
		return nil
	}
	reply, err = client.Do(ctx, cmd, n.FullKey)
	if err != nil {
		return err
	}
	size, ok := reply.(int64)
	if !ok {
		return fmt.Errorf("%s: unexpected reply %T", strings.ToLower(cmd), reply)
	}
	n.Size = &size
	return nil
}
