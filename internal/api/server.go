package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crowdgate/internal/alerts"
	"crowdgate/internal/classify"
	"crowdgate/internal/config"
	"crowdgate/internal/engine"
	"crowdgate/internal/metrics"
	"crowdgate/internal/model"
	"crowdgate/internal/source"
	"crowdgate/internal/storage"
)

// Sources runs the per-connection camera workers. Stop only cancels a
// worker running gen or an older generation.
type Sources interface {
	Start(ctx context.Context, conn model.Connection)
	Stop(gateID string, gen model.Generation)
	StopAll()
	Running() []string
}

type Options struct {
	Config  *config.Manager
	Engine  *engine.Engine
	Sources Sources
	Devices *source.Devices
	Metrics *metrics.Store
	Alerts  *alerts.Store
	History storage.Store
	Logger  *slog.Logger
	Version string
}

type Server struct {
	cfg     *config.Manager
	engine  *engine.Engine
	sources Sources
	devices *source.Devices
	metrics *metrics.Store
	alerts  *alerts.Store
	history storage.Store
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Uptime     string       `json:"uptime"`
	Gates      int          `json:"gates"`
	Connected  int          `json:"connected"`
	Sources    []string     `json:"sources"`
	Ingest     ingestStatus `json:"ingest"`
	API        apiStatus    `json:"api"`
	Storage    bool         `json:"storage"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	NATS      bool `json:"nats"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type gateConfig struct {
	Name         string  `json:"name"`
	Position     string  `json:"position,omitempty"`
	Capacity     int     `json:"capacity"`
	WarningRatio float64 `json:"warning_ratio"`
	WarningAt    int     `json:"warning_at"`
}

type connectRequest struct {
	GateID       string `json:"gate_id"`
	CameraSource string `json:"camera_source"`
	CameraType   string `json:"camera_type"`
	StreamURL    string `json:"stream_url"`
	DeviceName   string `json:"device_name"`
	Force        bool   `json:"force"`
}

type registerMobileRequest struct {
	GateID     string `json:"gate_id"`
	StreamURL  string `json:"stream_url"`
	DeviceName string `json:"device_name"`
}

type disconnectRequest struct {
	GateID string `json:"gate_id"`
}

func NewServer(opts Options) *Server {
	devices := opts.Devices
	if devices == nil {
		devices = source.NewDevices()
	}
	return &Server{
		cfg:     opts.Config,
		engine:  opts.Engine,
		sources: opts.Sources,
		devices: devices,
		metrics: opts.Metrics,
		alerts:  opts.Alerts,
		history: opts.History,
		logger:  opts.Logger,
		version: opts.Version,
	}
}

func Start(ctx context.Context, opts Options) *http.Server {
	if opts.Config == nil {
		return nil
	}
	current := opts.Config.Get().API
	if !current.Enabled {
		if opts.Logger != nil {
			opts.Logger.Info("api disabled")
		}
		return nil
	}
	if opts.Logger != nil {
		opts.Logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(opts)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if opts.Logger != nil {
				opts.Logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

// Handler builds the route table. ctx bounds the camera workers started by
// connect requests.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect_camera", func(w http.ResponseWriter, r *http.Request) {
		s.handleConnect(ctx, w, r)
	})
	mux.HandleFunc("/register_mobile", s.handleRegisterMobile)
	mux.HandleFunc("/disconnect_camera", s.handleDisconnect)
	mux.HandleFunc("/get_camera_status", s.handleCameraStatus)
	mux.HandleFunc("/get_mobile_devices", s.handleMobileDevices)
	mux.HandleFunc("/gate_config", s.handleGateConfig)
	mux.HandleFunc("/test", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"message": "Server is running!"})
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/", s.handleMetrics)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/restart", s.handleRestart)
	return s.wrap(mux)
}

// wrap adds CORS headers for the browser dashboard and turns handler panics
// into an error envelope.
func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if e := recover(); e != nil {
				if s.logger != nil {
					s.logger.Error("api handler panic", "path", r.URL.Path, "err", fmt.Sprint(e))
				}
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		if s.cfg == nil || s.cfg.Get().API.CORS {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleConnect(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req connectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.GateID = strings.TrimSpace(req.GateID)
	if req.GateID == "" {
		writeError(w, http.StatusOK, "Missing gate_id")
		return
	}
	kind, ok := model.ParseSourceKind(strings.ToLower(strings.TrimSpace(req.CameraType)))
	if !ok {
		writeError(w, http.StatusOK, fmt.Sprintf("Unknown camera_type %q", req.CameraType))
		return
	}
	if _, err := s.engine.Registry().Slot(req.GateID); err != nil {
		writeError(w, http.StatusOK, errorMessage(err))
		return
	}
	locator, err := s.locatorFor(req, kind)
	if err != nil {
		writeError(w, http.StatusOK, errorMessage(err))
		return
	}

	conn, err := s.engine.Connect(req.GateID, kind, locator, req.Force)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("connect camera failed", "gate_id", req.GateID, "err", err)
		}
		writeError(w, http.StatusOK, errorMessage(err))
		return
	}
	if s.sources != nil {
		s.sources.Start(ctx, conn)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"message":       "Camera connected for " + req.GateID,
		"camera_type":   kind,
		"generation":    conn.Generation,
		"connection_id": conn.ID,
	})
}

// locatorFor resolves the camera locator. Mobile connects use the stream URL
// from the request, registering it, or fall back to the registered device.
func (s *Server) locatorFor(req connectRequest, kind model.SourceKind) (string, error) {
	locator := strings.TrimSpace(req.CameraSource)
	switch kind {
	case model.SourceMobile:
		if req.StreamURL != "" {
			dev, err := s.devices.Register(req.GateID, req.StreamURL, req.DeviceName)
			if err != nil {
				return "", err
			}
			return dev.StreamURL, nil
		}
		if dev, ok := s.devices.Get(req.GateID); ok {
			return dev.StreamURL, nil
		}
		if source.IsStreamURL(locator) {
			return locator, nil
		}
		return "", fmt.Errorf("no mobile stream registered for gate %s", req.GateID)
	case model.SourceWebcam:
		if locator == "" {
			locator = "0"
		}
	case model.SourceCCTV:
		if locator == "" {
			return "", errors.New("missing camera_source")
		}
	}
	return locator, nil
}

func (s *Server) handleRegisterMobile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req registerMobileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.GateID = strings.TrimSpace(req.GateID)
	if req.GateID == "" || strings.TrimSpace(req.StreamURL) == "" {
		writeError(w, http.StatusOK, "Missing gate_id or stream_url")
		return
	}
	if _, err := s.engine.Registry().Slot(req.GateID); err != nil {
		writeError(w, http.StatusOK, errorMessage(err))
		return
	}
	dev, err := s.devices.Register(req.GateID, req.StreamURL, req.DeviceName)
	if err != nil {
		writeError(w, http.StatusOK, "Invalid stream URL")
		return
	}
	if s.logger != nil {
		s.logger.Info("mobile device registered", "gate_id", req.GateID, "device_name", dev.DeviceName)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Mobile device registered for " + req.GateID,
		"gate_id": req.GateID,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req disconnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target := strings.TrimSpace(req.GateID)
	if target == "" {
		writeError(w, http.StatusOK, "Missing gate_id")
		return
	}
	cleared, err := s.engine.Disconnect(target)
	if err != nil {
		writeError(w, http.StatusOK, errorMessage(err))
		return
	}
	if s.sources != nil {
		for _, c := range cleared {
			s.sources.Stop(c.GateID, c.Generation)
		}
	}
	msg := "Camera disconnected for " + target
	if target == model.DisconnectAll {
		msg = "All cameras disconnected"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": msg,
		"cleared": len(cleared),
	})
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap := s.engine.SnapshotMap()
	for _, id := range s.devices.GateIDs() {
		v, ok := snap[id]
		if !ok || (v.Connected && !v.IsMobile) {
			continue
		}
		v.CameraType = model.SourceMobile
		v.DeviceName = s.devices.DeviceName(id)
		snap[id] = v
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMobileDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.devices.List())
}

func (s *Server) handleGateConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out := map[string]gateConfig{}
	for _, g := range s.engine.Registry().Gates() {
		out[g.ID] = gateConfig{Name: g.Name, Position: g.Position, Capacity: g.Capacity, WarningRatio: g.WarningRatio, WarningAt: classify.WarningThreshold(g.Capacity, g.WarningRatio)}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	connected := len(s.engine.Connections())
	var running []string
	if s.sources != nil {
		running = s.sources.Running()
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Uptime:     time.Since(s.engine.Started()).Truncate(time.Second).String(),
		Gates:      s.engine.Registry().Len(),
		Connected:  connected,
		Sources:    running,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			NATS:      cfg.Ingest.NATS.Enabled,
		},
		API:     apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage: s.history != nil,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/metrics")
	path = strings.TrimPrefix(path, "/")
	if path != "" {
		m, ok := s.metrics.Get(path)
		if !ok {
			writeError(w, http.StatusNotFound, "no metrics for gate "+path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"gate_id": path,
			"metrics": m,
		})
		return
	}
	all := s.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": all,
		"count":   len(all),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Alert
	switch {
	case q.Get("persisted") == "1" || q.Get("persisted") == "true":
		if s.history == nil {
			writeError(w, http.StatusServiceUnavailable, "storage disabled")
			return
		}
		stored, err := s.history.ListAlerts(r.Context(), limit)
		if err != nil {
			if s.logger != nil {
				s.logger.Error("alert history query failed", "err", err)
			}
			writeError(w, http.StatusInternalServerError, "alert history query failed")
			return
		}
		list = stored
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.alerts.Since(ts)
	case q.Get("gate") != "":
		list = s.alerts.ForGate(q.Get("gate"))
	default:
		list = s.alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	evs, err := s.history.ListEvents(r.Context(), q.Get("gate"), limit)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("history query failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": evs,
		"count":  len(evs),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.metrics.Clear()
		s.alerts.Clear()
	case "alerts":
		s.alerts.Clear()
	case "metrics":
		s.metrics.Clear()
	case "devices":
		s.devices.Clear()
	default:
		writeError(w, http.StatusBadRequest, "unknown target "+target)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "cleared " + target})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.sources != nil {
		s.sources.StopAll()
	}
	s.engine.Reset()
	s.metrics.Clear()
	s.alerts.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "engine reset"})
}

// decodeBody writes a 400 envelope and returns false when the body is not
// a JSON object.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// errorMessage turns engine errors into dashboard text.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrUnknownGate):
		return err.Error()
	case errors.Is(err, engine.ErrAlreadyConnected):
		return err.Error() + " (set force to replace)"
	case errors.Is(err, source.ErrInvalidLocator):
		return err.Error()
	}
	return "Failed: " + err.Error()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": "error", "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
