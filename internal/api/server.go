package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/SnookerTracker/internal/config"
	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
	"github.com/bryanchriswhite/SnookerTracker/internal/metrics"
	"github.com/bryanchriswhite/SnookerTracker/internal/output"
	"github.com/bryanchriswhite/SnookerTracker/internal/settings"
	"github.com/bryanchriswhite/SnookerTracker/internal/state"
	"github.com/bryanchriswhite/SnookerTracker/internal/supervisor"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Options holds the optional collaborators of a Server
type Options struct {
	// ConfigMgr backs GET /api/config; nil disables the route
	ConfigMgr *config.Manager
	// Stream backs /stream and /snapshot; nil disables them
	Stream *output.MJPEGOutput
	// Metrics backs /metrics and the event subscriber gauge
	Metrics *metrics.Metrics
	// DefaultSource is started when a start request names no locator
	DefaultSource string
	// SettingsPath is used by settings load/save requests that name no path
	SettingsPath string
	// Sources lists the available openers for GET /api/sources
	Sources []string
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	sup      *supervisor.Supervisor
	board    *state.Board
	store    *settings.Store
	opts     Options
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	httpSrv *http.Server
	clients int
	// done is closed on Shutdown to end event streams, which
	// http.Server.Shutdown does not track once hijacked
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a new API server
func NewServer(sup *supervisor.Supervisor, board *state.Board, store *settings.Store, opts Options) *Server {
	s := &Server{
		router: mux.NewRouter(),
		sup:    sup,
		board:  board,
		store:  store,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log:  *logger.WithComponent("api"),
		done: make(chan struct{}),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Pipeline lifecycle
	api.HandleFunc("/pipeline", s.handleGetPipeline).Methods("GET")
	api.HandleFunc("/pipeline/start", s.handleStart).Methods("POST")
	api.HandleFunc("/pipeline/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/pipeline/restart", s.handleRestart).Methods("POST")
	api.HandleFunc("/sources", s.handleGetSources).Methods("GET")

	// Detection settings
	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handlePutSettings).Methods("PUT")
	api.HandleFunc("/settings/colours/{name}", s.handlePutColour).Methods("PUT")
	api.HandleFunc("/settings/blob_detector", s.handlePutBlobDetector).Methods("PUT")
	api.HandleFunc("/settings/load", s.handleLoadSettings).Methods("POST")
	api.HandleFunc("/settings/save", s.handleSaveSettings).Methods("POST")

	// Observable values
	api.HandleFunc("/events", s.handleEvents)

	if s.opts.ConfigMgr != nil {
		api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	}
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.opts.Stream != nil {
		s.router.HandleFunc("/stream", s.opts.Stream.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/snapshot", s.opts.Stream.GetSnapshotHandler()).Methods("GET")
	}
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics.Handler()).Methods("GET")
	}

	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", fmt.Sprintf("http://localhost%s", addr)).Msg("Starting server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown ends event streams and gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps an error from the supervisor or settings store to an HTTP
// status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrSuperseded), errors.Is(err, supervisor.ErrNothingToRestart):
		return http.StatusConflict
	case errors.Is(err, errors.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	switch errors.KindOf(err) {
	case errors.KindSource:
		return http.StatusUnprocessableEntity
	case errors.KindConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PipelineView is the response of the pipeline endpoints
type PipelineView struct {
	Supervisor supervisor.Status `json:"supervisor"`
	Board      state.Summary     `json:"board"`
	Stream     *output.Stats     `json:"stream,omitempty"`
}

func (s *Server) pipelineView() PipelineView {
	v := PipelineView{
		Supervisor: s.sup.Status(),
		Board:      s.board.Summary(),
	}
	if s.opts.Stream != nil {
		st := s.opts.Stream.Stats()
		v.Stream = &st
	}
	return v
}

// HTTP Handlers

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipelineView())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locator string `json:"locator"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	locator := strings.TrimSpace(req.Locator)
	if locator == "" {
		locator = s.opts.DefaultSource
	}
	if locator == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("no locator given and no default source configured"))
		return
	}

	if err := s.sup.RequestStart(r.Context(), locator); err != nil {
		s.log.Warn().Err(err).Str("locator", locator).Msg("Start request failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.pipelineView())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.RequestStop(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.pipelineView())
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.RequestRestart(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.pipelineView())
}

func (s *Server) handleGetSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"openers":        s.opts.Sources,
		"default_source": s.opts.DefaultSource,
		"last_locator":   s.sup.LastLocator(),
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var v settings.Values
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.Apply(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handlePutColour(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var cr settings.ColourRange
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetColour(name, cr); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

func (s *Server) handlePutBlobDetector(w http.ResponseWriter, r *http.Request) {
	var b settings.BlobDetector
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetBlobDetector(b); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleLoadSettings(w http.ResponseWriter, r *http.Request) {
	s.settingsFileOp(w, r, "loading", s.store.LoadAsync)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	s.settingsFileOp(w, r, "saving", s.store.SaveAsync)
}

// settingsFileOp starts a background load or save. The response is 202 unless
// the request asks to wait with ?wait=true, in which case it carries the
// outcome.
func (s *Server) settingsFileOp(w http.ResponseWriter, r *http.Request, verb string, op func(string) <-chan error) {
	var req struct {
		Path string `json:"path"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	path := req.Path
	if path == "" {
		path = s.store.Path.Get()
	}
	if path == "" {
		path = s.opts.SettingsPath
	}
	if path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("no settings path given"))
		return
	}

	done := op(path)
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": verb, "path": path})
		return
	}

	select {
	case err := <-done:
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "path": path})
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, r.Context().Err())
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.ConfigMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"state":   s.sup.State.Get().String(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>SnookerTracker</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 960px; margin: 30px auto; padding: 20px; background: #0b3d1e; color: #eee; }
        .container { background: #123; padding: 20px; border-radius: 8px; }
        img { max-width: 100%; border: 1px solid #456; }
        pre { background: #000; padding: 8px; height: 160px; overflow-y: auto; font-size: 12px; }
        button, input { font-size: 14px; margin: 2px; }
        table td { padding: 2px 10px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>SnookerTracker</h1>
        <p>State: <b id="state">idle</b> <span id="locator"></span></p>
        <p>
            <input id="source" placeholder="synthetic:?fps=15" size="40">
            <button onclick="post('start', {locator: document.getElementById('source').value})">Start</button>
            <button onclick="post('stop')">Stop</button>
            <button onclick="post('restart')">Restart</button>
        </p>
        <img src="/stream" alt="preview">
        <table id="counts"></table>
        <pre id="log"></pre>
        <p>
            <a href="/api/pipeline">/api/pipeline</a> |
            <a href="/api/settings">/api/settings</a> |
            <a href="/api/sources">/api/sources</a> |
            <a href="/metrics">/metrics</a>
        </p>
    </div>
    <script>
        function post(op, body) {
            fetch('/api/pipeline/' + op, {method: 'POST', headers: {'Content-Type': 'application/json'}, body: body ? JSON.stringify(body) : undefined})
                .then(r => r.json()).then(j => { if (j.error) append('error: ' + j.error); });
        }
        function append(line) {
            const log = document.getElementById('log');
            log.textContent += line + '\n';
            log.scrollTop = log.scrollHeight;
        }
        const counts = {};
        function renderCounts() {
            document.getElementById('counts').innerHTML = Object.keys(counts).sort()
                .map(k => '<tr><td>' + k + '</td><td>' + counts[k] + '</td></tr>').join('');
        }
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/events');
        ws.onmessage = e => {
            const m = JSON.parse(e.data);
            if (m.name === 'snapshot') {
                Object.assign(counts, m.value.board.counts);
                document.getElementById('state').textContent = m.value.supervisor.state;
                renderCounts();
            } else if (m.name.startsWith('count.') && m.name !== 'count.total') {
                counts[m.name.slice(6)] = m.value; renderCounts();
            } else if (m.name === 'supervisor.state') {
                document.getElementById('state').textContent = m.value;
            } else if (m.name === 'supervisor.locator') {
                document.getElementById('locator').textContent = m.value;
            } else if (m.name === 'log') {
                append(m.value);
            } else if (m.name === 'errors') {
                append('error: ' + m.value.message);
            }
        };
    </script>
</body>
</html>`
