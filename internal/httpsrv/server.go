// Package httpsrv is the ops endpoint embedded into the long-running
// daemons: archiver status and Prometheus metrics.
package httpsrv

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pgship/pgship/internal/walarchive"
)

type HTTPServer struct {
	srv       *http.Server
	archivers []walarchive.Archiver
	logger    *slog.Logger
}

type Opts struct {
	Addr      string
	Archivers []walarchive.Archiver
	Verbose   bool
}

func NewHTTPServer(opts *Opts) *HTTPServer {
	h := &HTTPServer{
		archivers: opts.Archivers,
		logger:    slog.With(slog.String("component", "http-server")),
	}

	loggingMiddleware := &LoggingMiddleware{Logger: h.logger, Verbose: opts.Verbose}
	limiter := &RateLimiterMiddleware{Limiter: rate.NewLimiter(5, 10)} // 5 req/sec, burst 10
	secureChain := MiddlewareChain(
		SafeHandlerMiddleware,
		loggingMiddleware.Middleware,
		limiter.Middleware,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/status", secureChain(http.HandlerFunc(h.statusHandler)))
	mux.Handle("/metrics", promhttp.Handler())

	h.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return h
}

func (h *HTTPServer) Handler() http.Handler { return h.srv.Handler }

func (h *HTTPServer) Start(_ context.Context) {
	go func() {
		h.logger.Info("HTTP server listening", slog.String("addr", h.srv.Addr))
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.Any("err", err))
		}
	}()
}

func (h *HTTPServer) Shutdown(ctx context.Context) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h.logger.Info("shutting down HTTP server")
	if err := h.srv.Shutdown(timeoutCtx); err != nil {
		h.logger.Error("error during HTTP server shutdown", slog.Any("err", err))
	}
}

// statusHandler reports the cached remote status of every archiver,
// keyed by archiver name.
func (h *HTTPServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]map[string]any, len(h.archivers))
	for _, a := range h.archivers {
		status[a.Name()] = a.RemoteStatus(r.Context())
	}
	WriteJSON(w, http.StatusOK, status)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("cannot encode response", slog.Any("err", err))
	}
}
