// Package api exposes the control API and the live WebSocket channel.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/CZERTAINLY/mcpanel/internal/audit"
	"github.com/CZERTAINLY/mcpanel/internal/gameinfo"
	"github.com/CZERTAINLY/mcpanel/internal/hub"
	"github.com/CZERTAINLY/mcpanel/internal/jdk"
	"github.com/CZERTAINLY/mcpanel/internal/model"
)

const maxBodySize = 64 * 1024

// Controller drives the game server process.
type Controller interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) (string, error)
	SendCommand(ctx context.Context, text string) (string, error)
	Status() model.Status
}

// Broadcaster is the log buffer plus the observer registry.
type Broadcaster interface {
	Snapshot() []string
	Subscribe() *hub.Observer
	Unsubscribe(o *hub.Observer)
}

type Installer interface {
	Install(ctx context.Context, version string) (jdk.Result, error)
}

type AuditLog interface {
	Record(ctx context.Context, action, detail string, err error, message string)
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

// Reply is the common answer of control endpoints.
type Reply struct {
	OK           bool   `json:"ok"`
	Message      string `json:"message"`
	DownloadPath string `json:"downloadPath,omitempty"`
}

type Server struct {
	cfg       model.Config
	ctrl      Controller
	hub       Broadcaster
	installer Installer
	audit     AuditLog
	info      func(ctx context.Context, cfg model.Config) gameinfo.Info
}

// New wires the handlers. A nil audit log disables the audit trail.
func New(cfg model.Config, ctrl Controller, hub Broadcaster, installer Installer, auditLog AuditLog) *Server {
	if auditLog == nil {
		auditLog = (*audit.Store)(nil)
	}
	return &Server{
		cfg:       cfg,
		ctrl:      ctrl,
		hub:       hub,
		installer: installer,
		audit:     auditLog,
		info:      gameinfo.Collect,
	}
}

// Handler returns the routes wrapped in the logging and recovery middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("POST /api/start", s.start)
	mux.HandleFunc("POST /api/stop", s.stop)
	mux.HandleFunc("POST /api/send", s.send)
	mux.HandleFunc("GET /api/logs", s.logs)
	mux.HandleFunc("GET /api/info", s.getInfo)
	mux.HandleFunc("GET /api/mods", s.mods)
	mux.HandleFunc("GET /api/audit", s.auditEvents)
	mux.HandleFunc("GET /api/jdk/candidates", s.jdkCandidates)
	mux.HandleFunc("POST /api/jdk/install", s.jdkInstall)
	mux.HandleFunc("GET /ws", s.live)
	if s.cfg.WebDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.WebDir)))
	}
	return logRequests(mux)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	msg, err := s.ctrl.Start(r.Context())
	writeReply(w, msg, err)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	msg, err := s.ctrl.Stop(r.Context())
	writeReply(w, msg, err)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	cmd := gjson.GetBytes(body, "command")
	if cmd.Type != gjson.String || cmd.Str == "" {
		writeJSON(w, http.StatusBadRequest, Reply{Message: "command is required"})
		return
	}
	msg, err := s.ctrl.SendCommand(r.Context(), cmd.Str)
	writeReply(w, msg, err)
}

func (s *Server) logs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Lines []string `json:"lines"`
	}{Lines: s.hub.Snapshot()})
}

func (s *Server) getInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.info(r.Context(), s.cfg))
}

func (s *Server) mods(w http.ResponseWriter, _ *http.Request) {
	type reply struct {
		OK      bool           `json:"ok"`
		Message string         `json:"message,omitempty"`
		Mods    []gameinfo.Mod `json:"mods"`
		ModsDir string         `json:"modsDir"`
	}
	dir := gameinfo.ModsDir(s.cfg)
	mods, err := gameinfo.ListMods(dir)
	if err != nil {
		writeJSON(w, http.StatusOK, reply{Message: err.Error(), Mods: []gameinfo.Mod{}, ModsDir: dir})
		return
	}
	writeJSON(w, http.StatusOK, reply{OK: true, Mods: mods, ModsDir: dir})
}

func (s *Server) auditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Reply{Message: "limit must be a number"})
			return
		}
		limit = n
	}
	events, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		slog.ErrorContext(r.Context(), "reading audit log", "error", err)
		writeJSON(w, http.StatusInternalServerError, Reply{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK     bool          `json:"ok"`
		Events []audit.Event `json:"events"`
	}{OK: true, Events: events})
}

func (s *Server) jdkCandidates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Versions []int `json:"versions"`
	}{Versions: jdk.Candidates})
}

func (s *Server) jdkInstall(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var version string
	switch v := gjson.GetBytes(body, "version"); v.Type {
	case gjson.String, gjson.Number:
		version = v.String()
	}
	if version == "" || version == "0" {
		writeJSON(w, http.StatusBadRequest, Reply{Message: "version is required"})
		return
	}

	res, err := s.installer.Install(r.Context(), version)
	s.audit.Record(r.Context(), "jdk_install", version, err, res.Message)
	switch {
	case errors.Is(err, model.ErrUnsupportedPlatform), errors.Is(err, model.ErrAlreadyInProgress):
		writeJSON(w, http.StatusBadRequest, Reply{Message: err.Error()})
	case errors.Is(err, model.ErrScriptNotFound):
		writeJSON(w, http.StatusInternalServerError, Reply{Message: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusOK, Reply{Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, Reply{OK: true, Message: res.Message, DownloadPath: res.DownloadPath})
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Reply{Message: "reading request body: " + err.Error()})
		return nil, false
	}
	if len(body) > 0 && !gjson.ValidBytes(body) {
		writeJSON(w, http.StatusBadRequest, Reply{Message: "request body is not valid JSON"})
		return nil, false
	}
	return body, true
}

func writeReply(w http.ResponseWriter, msg string, err error) {
	if err != nil {
		writeJSON(w, http.StatusOK, Reply{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Reply{OK: true, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed by the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				slog.ErrorContext(r.Context(), "panic serving request", "method", r.Method, "path", r.URL.Path, "panic", p)
				http.Error(rec, "internal server error", http.StatusInternalServerError)
				return
			}
			slog.DebugContext(r.Context(), "request", "method", r.Method, "path", r.URL.Path, "status", rec.code, "duration", time.Since(start))
		}()
		next.ServeHTTP(rec, r)
	})
}
