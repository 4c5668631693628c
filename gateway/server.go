package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/channelgate/channelgate/kv"
)

const (
	maxRequestBody  = 1 << 20 // 1 MiB
	readTimeout     = 30 * time.Second
	writeTimeout    = 60 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server exposes the handler over HTTP: POST / for requests, GET
// /health for liveness.
type Server struct {
	handler *Handler
	srv     *http.Server
}

// NewServer builds the HTTP front for handler on addr.
func NewServer(addr string, handler *Handler) *Server {
	s := &Server{handler: handler}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveRequest)
	mux.HandleFunc("/health", s.serveHealth)

	corsWrapper := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	})

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      corsWrapper.Handler(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("gateway listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("gateway shutting down")
		return s.srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) serveRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, &Response{Success: false, Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &Response{Success: false, Error: "failed to read request body"})
		return
	}
	if len(body) > maxRequestBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, &Response{Success: false, Error: "request body too large"})
		return
	}

	resp, status := s.handler.Handle(r.Context(), &Request{Params: body, Headers: r.Header})
	writeJSON(w, status, resp)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if p, ok := s.handler.KV.(kv.Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "kv": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response write failed", "err", err)
	}
}
