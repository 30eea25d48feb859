package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/julienschmidt/httprouter"

	"github.com/dreamware/kvconsole/internal/api"
	"github.com/dreamware/kvconsole/internal/connection"
	"github.com/dreamware/kvconsole/internal/inspect"
)

func (s *server) handleServerInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	api.WriteJSON(w, http.StatusOK, api.ServerInfo{
		Version:     version,
		ReadOnly:    s.readOnly,
		FoldingChar: s.mgr.FoldingChar(),
		Connections: s.reg.Len(),
	})
}

func (s *server) handleListConnections(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	api.WriteJSON(w, http.StatusOK, s.reg.ListForDisplay())
}

// handleAddConnection registers a connection. An equivalent connection
// already in the registry is answered with 200 and its id.
func (s *server) handleAddConnection(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req api.ConnectRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h, created, err := s.mgr.Connect(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !created {
		api.WriteJSON(w, http.StatusOK, api.ConnectResponse{ConnectionID: h.ID(), Existing: true})
		return
	}
	s.persist()
	api.WriteJSON(w, http.StatusCreated, api.ConnectResponse{ConnectionID: h.ID()})
}

func (s *server) handleTestConnection(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req api.ConnectRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := s.mgr.Test(r.Context(), req)
	if errors.Is(err, connection.ErrInvalidDescriptor) {
		writeErr(w, err)
		return
	}
	resp := api.TestResponse{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) handleDeleteConnection(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := s.resolve(w, ps)
	if !ok {
		return
	}
	if err := s.mgr.Disconnect(h.ID()); err != nil {
		writeErr(w, err)
		return
	}
	s.persist()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleConnectionInfo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := s.resolve(w, ps)
	if !ok {
		return
	}
	status, lastErr := h.Status()
	resp := api.ConnectionInfo{
		ConnectionID: h.ID(),
		Label:        h.Label(),
		Status:       status,
		Capabilities: api.SummarizeCapabilities(h.Capabilities()),
	}
	if lastErr != nil {
		resp.LastError = lastErr.Error()
	}
	if s.health != nil {
		if s.health.Health(h.ID()) != nil {
			healthy := s.health.IsHealthy(h.ID())
			resp.Healthy = &healthy
		}
	}

	reply, err := h.Client().Do(r.Context(), "INFO")
	if err != nil {
		writeErr(w, err)
		return
	}
	text, _ := reply.(string)
	resp.Info = parseInfo(text)
	if mem, err := strconv.ParseUint(resp.Info["memory"]["used_memory"], 10, 64); err == nil {
		resp.Memory = humanize.Bytes(mem)
	}
	if n, err := h.Client().Do(r.Context(), "DBSIZE"); err == nil {
		resp.Keys, _ = n.(int64)
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// handleKeysTree lists one tree level below ?prefix=.
func (s *server) handleKeysTree(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := s.resolve(w, ps)
	if !ok {
		return
	}
	prefix := r.URL.Query().Get("prefix")
	// An abandoned request lets in-flight size queries finish.
	nodes, err := s.lister.Level(context.WithoutCancel(r.Context()), h.Client(), prefix, h.FoldingChar())
	if err != nil {
		writeErr(w, err)
		return
	}
	s.metrics.TreeLevel(len(nodes))
	api.WriteJSON(w, http.StatusOK, api.TreeResponse{
		Prefix:      prefix,
		FoldingChar: h.FoldingChar(),
		Nodes:       nodes,
	})
}

// keyParam strips the leading slash httprouter leaves on catch-all values.
func keyParam(ps httprouter.Params) string {
	return strings.TrimPrefix(param(ps, "key"), "/")
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := s.resolve(w, ps)
	if !ok {
		return
	}
	q := r.URL.Query()
	var win inspect.Window
	if v := q.Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, "bad offset")
			return
		}
		win.Offset = n
	}
	if v := q.Get("count"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, "bad count")
			return
		}
		win.Count = n
	}

	val, err := inspect.New(h, s.readOnly).Get(r.Context(), keyParam(ps), win)
	if err != nil {
		writeErr(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, val)
}

func (s *server) handleEditKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := s.resolve(w, ps)
	if !ok {
		return
	}
	var edit inspect.Edit
	if err := api.ReadJSON(r, &edit); err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := inspect.New(h, s.readOnly).Apply(r.Context(), keyParam(ps), edit); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := s.resolve(w, ps)
	if !ok {
		return
	}
	if err := inspect.New(h, s.readOnly).Delete(r.Context(), keyParam(ps)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleExec(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := s.resolve(w, ps)
	if !ok {
		return
	}
	var req api.ExecRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	reply, err := inspect.New(h, s.readOnly).Exec(r.Context(), req.Command)
	if err != nil {
		writeErr(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ExecResponse{Reply: reply})
}

// parseInfo splits an INFO reply into sections keyed by lower-cased section
// name. Lines before the first header go to "default".
func parseInfo(text string) map[string]map[string]string {
	out := make(map[string]map[string]string)
	section := "default"
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			section = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if out[section] == nil {
			out[section] = make(map[string]string)
		}
		out[section][k] = v
	}
	return out
}
