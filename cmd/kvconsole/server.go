package main

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/kvconsole/internal/api"
	"github.com/dreamware/kvconsole/internal/config"
	"github.com/dreamware/kvconsole/internal/connection"
	"github.com/dreamware/kvconsole/internal/inspect"
	"github.com/dreamware/kvconsole/internal/keytree"
	"github.com/dreamware/kvconsole/internal/lifecycle"
	"github.com/dreamware/kvconsole/internal/metrics"
	"github.com/dreamware/kvconsole/internal/registry"
	"github.com/dreamware/kvconsole/internal/storage"
)

type serverDeps struct {
	manager  *lifecycle.Manager
	config   *config.File
	health   *lifecycle.HealthMonitor
	metrics  *metrics.Metrics
	lister   *keytree.Lister
	readOnly bool
	auth     config.BasicAuth
	logger   logrus.FieldLogger
}

type server struct {
	mgr      *lifecycle.Manager
	reg      *registry.Registry
	cfg      *config.File
	health   *lifecycle.HealthMonitor
	metrics  *metrics.Metrics
	lister   *keytree.Lister
	readOnly bool
	auth     config.BasicAuth
	log      logrus.FieldLogger
}

func newServer(d serverDeps) *server {
	log := d.logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	lister := d.lister
	if lister == nil {
		lister = &keytree.Lister{Log: log}
	}
	return &server{
		mgr:      d.manager,
		reg:      d.manager.Registry(),
		cfg:      d.config,
		health:   d.health,
		metrics:  d.metrics,
		lister:   lister,
		readOnly: d.readOnly,
		auth:     d.auth,
		log:      log.WithField("component", "http"),
	}
}

// routes builds the router wrapped in the request-id, logging and auth
// middleware. /health stays reachable without credentials.
func (s *server) routes() http.Handler {
	router := httprouter.New()

	s.handle(router, http.MethodGet, "/health", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handler(http.MethodGet, "/metrics", s.metricsHandler())

	s.handle(router, http.MethodGet, "/apiv2/server/info", s.handleServerInfo)
	s.handle(router, http.MethodGet, "/apiv2/connections", s.handleListConnections)
	s.handle(router, http.MethodPost, "/apiv2/connections", s.handleAddConnection)
	s.handle(router, http.MethodPost, "/apiv2/connections/test", s.handleTestConnection)
	s.handle(router, http.MethodDelete, "/apiv2/connections/:connectionId", s.handleDeleteConnection)
	s.handle(router, http.MethodGet, "/apiv2/connections/:connectionId/info", s.handleConnectionInfo)
	s.handle(router, http.MethodGet, "/apiv2/keystree/:connectionId", s.handleKeysTree)
	s.handle(router, http.MethodGet, "/apiv2/keys/:connectionId/*key", s.handleGetKey)
	s.handle(router, http.MethodPost, "/apiv2/keys/:connectionId/*key", s.handleEditKey)
	s.handle(router, http.MethodDelete, "/apiv2/keys/:connectionId/*key", s.handleDeleteKey)
	s.handle(router, http.MethodPost, "/apiv2/exec/:connectionId", s.handleExec)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, "not found")
	})

	var h http.Handler = escapedPath(router)
	h = basicAuth(s.auth, h)
	h = requestLogger(s.log, h)
	h = requestID(h)
	return h
}

// handle registers fn and records its latency under the route pattern.
func (s *server) handle(router *httprouter.Router, method, path string, fn httprouter.Handle) {
	router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r, ps)
		s.metrics.Request(path, method, rec.status, time.Since(start))
	})
}

func (s *server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return http.NotFoundHandler()
	}
	return s.metrics.Handler()
}

// resolve finds the handle named by the :connectionId parameter, writing a
// 404 if there is none.
func (s *server) resolve(w http.ResponseWriter, ps httprouter.Params) (*storage.Handle, bool) {
	h, err := s.reg.Resolve(param(ps, "connectionId"))
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return h, true
}

// escapedPath routes on the escaped path so that %2F inside a connection id
// or key does not split a path segment. Handlers read parameters with param.
func escapedPath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if escaped := r.URL.EscapedPath(); escaped != r.URL.Path {
			r2 := r.Clone(r.Context())
			r2.URL.Path = escaped
			r2.URL.RawPath = ""
			r = r2
		}
		next.ServeHTTP(w, r)
	})
}

// param returns the unescaped value of a path parameter.
func param(ps httprouter.Params, name string) string {
	v := ps.ByName(name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// persist saves the registered connections. Failures are logged only.
func (s *server) persist() {
	saveConnections(s.cfg, s.reg, s.log)
}

func saveConnections(cfg *config.File, reg *registry.Registry, log logrus.FieldLogger) {
	if cfg == nil {
		return
	}
	if err := cfg.SaveConnections(reg.Descriptors()); err != nil {
		log.WithError(err).WithField("config", cfg.Path()).Warn("Could not save connections")
	}
}

// writeErr maps err to a status code and writes it as an ErrorResponse.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, inspect.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, inspect.ErrReadOnly):
		status = http.StatusForbidden
	case errors.Is(err, lifecycle.ErrIDInUse):
		status = http.StatusConflict
	case errors.Is(err, connection.ErrInvalidDescriptor),
		errors.Is(err, inspect.ErrEmptyCommand),
		errors.Is(err, inspect.ErrSyntax),
		errors.Is(err, inspect.ErrUnknownOp):
		status = http.StatusBadRequest
	case errors.Is(err, inspect.ErrUnsupportedType):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrClientClosed):
		status = http.StatusServiceUnavailable
	}
	api.WriteError(w, status, err.Error())
}
