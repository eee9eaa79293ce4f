package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"duplexstream/message"
	"duplexstream/session"

	"go.uber.org/zap"
)

type route struct {
	path  string
	verbs map[string]session.RequestHandler
}

// Router dispatches requests by path and verb. Paths and verbs match
// case-insensitively. An unknown path answers 404, a known path with an
// unregistered verb answers 405.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*route
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]*route)}
}

// Handle registers h for verb on path.
func (r *Router) Handle(verb, path string, h session.RequestHandler) error {
	if verb == "" || path == "" || h == nil {
		return fmt.Errorf("server: route needs a verb, a path and a handler")
	}
	key := strings.ToLower(path)
	verb = strings.ToUpper(verb)

	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[key]
	if !ok {
		rt = &route{path: path, verbs: make(map[string]session.RequestHandler)}
		r.routes[key] = rt
	}
	if _, dup := rt.verbs[verb]; dup {
		return fmt.Errorf("server: route %s %s already registered", verb, path)
	}
	rt.verbs[verb] = h
	return nil
}

// HandleFunc registers a function for verb on path.
func (r *Router) HandleFunc(verb, path string, fn session.HandlerFunc) error {
	return r.Handle(verb, path, fn)
}

func (r *Router) ProcessRequest(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error) {
	r.mu.RLock()
	rt, ok := r.routes[strings.ToLower(req.Path)]
	var h session.RequestHandler
	if ok {
		h = rt.verbs[strings.ToUpper(req.Verb)]
	}
	r.mu.RUnlock()

	switch {
	case !ok:
		logger.Debug("no route", zap.String("verb", req.Verb), zap.String("path", req.Path))
		return message.NotFound(), nil
	case h == nil:
		return message.NewResponse(http.StatusMethodNotAllowed), nil
	}
	return h.ProcessRequest(ctx, req, logger)
}
