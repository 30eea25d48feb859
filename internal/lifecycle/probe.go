package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/kvconsole/internal/connection"
	"github.com/dreamware/kvconsole/internal/storage"
)

// Probe query names, used in logs and metrics.
const (
	queryCommand = "command"
	queryModules = "module_list"
	queryCluster = "info_cluster"
)

var clusterEnabledRe = regexp.MustCompile(`cluster_enabled:(\d)`)

// ProbeCapabilities learns the server's command table, installed modules
// and, for standalone handles, whether the server runs in cluster mode.
//
// The three queries run concurrently and fail independently. Every failure
// is logged and absorbed; the handle stays usable whatever the outcome. A
// standalone handle whose server reports cluster_enabled:1 is replaced by a
// cluster handle with the same connection id.
func (m *Manager) ProbeCapabilities(ctx context.Context, h *storage.Handle) {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	log := m.log.WithField("connection_id", h.ID())
	client := h.Client()
	standalone := h.Kind() == connection.KindStandalone

	var (
		cmdReply, modReply, infoReply any
		cmdErr, modErr, infoErr       error
	)
	// each query records its own outcome, so no goroutine fails the group
	var g errgroup.Group
	g.Go(func() error {
		cmdReply, cmdErr = client.Do(ctx, "COMMAND")
		return nil
	})
	g.Go(func() error {
		modReply, modErr = client.Do(ctx, "MODULE", "LIST")
		return nil
	})
	if standalone {
		g.Go(func() error {
			infoReply, infoErr = client.Do(ctx, "INFO", "cluster")
			return nil
		})
	}
	_ = g.Wait()

	var all, readOnly map[string]struct{}
	if cmdErr == nil {
		all, readOnly, cmdErr = parseCommands(cmdReply)
	}
	m.metrics.Probe(queryCommand, cmdErr)
	if cmdErr != nil {
		log.WithError(cmdErr).Warn("Dynamic command list unavailable, using built-in read-only list")
	}

	var modules map[string]string
	if modErr == nil {
		modules, modErr = parseModules(modReply)
	}
	m.metrics.Probe(queryModules, modErr)
	if modErr != nil {
		log.WithError(modErr).Info("Module list unavailable")
	}

	h.UpdateCapabilities(func(c *storage.Capabilities) {
		if cmdErr == nil {
			c.AllCommands = all
			c.ReadOnlyCommands = readOnly
		}
		if modErr == nil {
			c.InstalledModules = modules
		}
	})

	if !standalone {
		log.WithField("kind", h.Kind()).Debug("Cluster auto-detection not applicable")
		return
	}

	state := storage.ClusterUnknown
	if infoErr == nil {
		state, infoErr = parseClusterEnabled(infoReply)
	}
	m.metrics.Probe(queryCluster, infoErr)
	if infoErr != nil {
		log.WithError(infoErr).Info("Cluster auto-detection unavailable")
		return
	}
	h.UpdateCapabilities(func(c *storage.Capabilities) { c.Cluster = state })

	log.WithFields(logrus.Fields{
		"commands": len(all),
		"modules":  len(modules),
		"cluster":  state.String(),
	}).Debug("Capabilities probed")

	if state == storage.ClusterEnabled {
		m.upgrade(h)
	}
}

// parseCommands reads a COMMAND reply: one array per command holding the
// name, arity and a flag array.
func parseCommands(reply any) (all, readOnly map[string]struct{}, err error) {
	entries, ok := reply.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("command: unexpected reply %T", reply)
	}
	all = make(map[string]struct{}, len(entries))
	readOnly = make(map[string]struct{})
	for _, e := range entries {
		fields, ok := e.([]any)
		if !ok || len(fields) == 0 {
			continue
		}
		name, ok := fields[0].(string)
		if !ok || name == "" {
			continue
		}
		name = strings.ToLower(name)
		all[name] = struct{}{}
		if len(fields) < 3 {
			continue
		}
		flags, _ := fields[2].([]any)
		for _, f := range flags {
			if s, ok := f.(string); ok && strings.EqualFold(s, "readonly") {
				readOnly[name] = struct{}{}
				break
			}
		}
	}
	if len(all) == 0 {
		return nil, nil, errors.New("command: empty command list")
	}
	return all, readOnly, nil
}

// parseModules reads a MODULE LIST reply. Records arrive as flat key/value
// arrays over RESP2 and as maps over RESP3.
func parseModules(reply any) (map[string]string, error) {
	records, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("module list: unexpected reply %T", reply)
	}
	modules := make(map[string]string, len(records))
	for _, r := range records {
		fields := make(map[string]any)
		switch rec := r.(type) {
		case []any:
			for i := 0; i+1 < len(rec); i += 2 {
				fields[fmt.Sprint(rec[i])] = rec[i+1]
			}
		case map[any]any:
			for k, v := range rec {
				fields[fmt.Sprint(k)] = v
			}
		case map[string]any:
			fields = rec
		default:
			continue
		}
		name, ok := fields["name"]
		if !ok {
			continue
		}
		ver := ""
		if v, ok := fields["ver"]; ok {
			ver = fmt.Sprint(v)
		}
		modules[fmt.Sprint(name)] = ver
	}
	return modules, nil
}

// parseClusterEnabled finds the cluster_enabled:<digit> marker in an INFO
// cluster reply.
func parseClusterEnabled(reply any) (storage.ClusterState, error) {
	s, ok := reply.(string)
	if !ok {
		return storage.ClusterUnknown, fmt.Errorf("info cluster: unexpected reply %T", reply)
	}
	match := clusterEnabledRe.FindStringSubmatch(s)
	if match == nil {
		return storage.ClusterUnknown, errors.New("info cluster: no cluster_enabled marker")
	}
	if match[1] == "1" {
		return storage.ClusterEnabled, nil
	}
	return storage.ClusterDisabled, nil
}
