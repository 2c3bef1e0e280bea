package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"jigsaw-dom/internal/config"
	"jigsaw-dom/internal/depth"
	"jigsaw-dom/internal/feed"
	"jigsaw-dom/internal/state"
)

type HTTPServer struct {
	cfg  config.Config
	st   *state.State
	feed feed.Feed
	hub  *hub
	log  *slog.Logger
	mux  *http.ServeMux
}

func NewHTTPServer(cfg config.Config, st *state.State, f feed.Feed, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		cfg:  cfg,
		st:   st,
		feed: f,
		hub:  newHub(logger),
		log:  logger,
		mux:  http.NewServeMux(),
	}
	s.routes()
	go s.hub.run()
	return s
}

func (s *HTTPServer) Router() http.Handler { return s.mux }

// --------- WS broadcasts ----------

func (s *HTTPServer) statusPayload() map[string]any {
	active := s.st.Active()
	aliases := make([]string, 0, len(active))
	for _, e := range active {
		aliases = append(aliases, e.Alias())
	}
	return map[string]any{
		"connected": s.st.Connected(),
		"active":    aliases,
	}
}

func (s *HTTPServer) BroadcastStatus() {
	s.hub.broadcast <- marshalWS("status", s.statusPayload())
}

func (s *HTTPServer) BroadcastError(msg string) {
	s.hub.broadcast <- marshalWS("error", map[string]string{"message": msg})
}

// BroadcastSnapshot queues one snapshot frame, or drops it and reports false
// when the hub is backed up.
func (s *HTTPServer) BroadcastSnapshot(snap depth.Snapshot) bool {
	select {
	case s.hub.broadcast <- marshalWS("snapshot", snap):
		return true
	default:
		return false
	}
}

// RunSnapshots pushes a snapshot of every active engine to websocket clients
// once per interval until ctx is done. Nothing is computed while no client is
// connected.
func (s *HTTPServer) RunSnapshots(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	dropped := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.hub.clientCount() == 0 {
				continue
			}
			for _, e := range s.st.Active() {
				if !s.BroadcastSnapshot(e.Snapshot()) {
					dropped++
				}
			}
			if dropped >= 100 {
				s.log.Warn("snapshot frames dropped", slog.Int("count", dropped))
				dropped = 0
			}
		}
	}
}

// --------- Routes ----------

func (s *HTTPServer) routes() {
	// WS
	s.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.hub.serveWS(w, r, marshalWS("status", s.statusPayload()))
	})

	// API
	s.mux.HandleFunc("/api/health", s.apiHealth)
	s.mux.HandleFunc("/api/config", s.apiConfig)
	s.mux.HandleFunc("/api/instruments", s.apiInstruments)
	s.mux.HandleFunc("/api/instruments/activate", s.apiActivate)
	s.mux.HandleFunc("/api/instruments/deactivate", s.apiDeactivate)
	s.mux.HandleFunc("/api/settings", s.apiSettings)
	s.mux.HandleFunc("/api/snapshot", s.apiSnapshot)
}

func (s *HTTPServer) apiHealth(w http.ResponseWriter, r *http.Request) {
	engines := map[string]depth.Stats{}
	for _, e := range s.st.Active() {
		engines[e.Alias()] = e.Stats()
	}
	writeJSON(w, map[string]any{
		"ok":            true,
		"connected":     s.st.Connected(),
		"active":        len(engines),
		"engines":       engines,
		"droppedEvents": s.st.Dropped(),
		"wsClients":     s.hub.clientCount(),
	})
}

func (s *HTTPServer) apiConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"snapshotIntervalMs": s.cfg.SnapshotIntervalMs,
		"feedSource":         s.cfg.Feed.Source,
		"settings":           viewSettings(s.st.Settings()),
	})
}

type instrumentView struct {
	Alias     string `json:"alias"`
	TickSize  string `json:"tickSize"`
	Active    bool   `json:"active"`
	SessionID string `json:"sessionId,omitempty"`
}

func (s *HTTPServer) apiInstruments(w http.ResponseWriter, r *http.Request) {
	ins := s.st.Instruments()
	out := make([]instrumentView, 0, len(ins))
	for _, in := range ins {
		v := instrumentView{Alias: in.Alias, TickSize: in.TickSize.String()}
		if e, ok := s.st.Engine(in.Alias); ok {
			v.Active = true
			v.SessionID = e.SessionID().String()
		}
		out = append(out, v)
	}
	writeJSON(w, out)
}

func decodeAlias(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return "", false
	}
	var req struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return "", false
	}
	alias := strings.TrimSpace(req.Alias)
	if alias == "" {
		http.Error(w, "alias required", http.StatusBadRequest)
		return "", false
	}
	return alias, true
}

// POST /api/instruments/activate { "alias": "ESH4" }
func (s *HTTPServer) apiActivate(w http.ResponseWriter, r *http.Request) {
	alias, ok := decodeAlias(w, r)
	if !ok {
		return
	}
	e, created, err := s.st.Activate(alias)
	if errors.Is(err, state.ErrUnknownInstrument) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if created {
		if err := s.feed.Subscribe(alias); err != nil {
			s.st.Deactivate(alias)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.log.Info("instrument activated", slog.String("alias", alias), slog.String("session", e.SessionID().String()))
		s.BroadcastStatus()
	}
	writeJSON(w, map[string]any{"ok": true, "alias": alias, "created": created, "sessionId": e.SessionID().String()})
}

// POST /api/instruments/deactivate { "alias": "ESH4" }
func (s *HTTPServer) apiDeactivate(w http.ResponseWriter, r *http.Request) {
	alias, ok := decodeAlias(w, r)
	if !ok {
		return
	}
	if _, known := s.st.Instrument(alias); !known {
		http.Error(w, state.ErrUnknownInstrument.Error(), http.StatusNotFound)
		return
	}
	was := s.st.Deactivate(alias)
	if was {
		s.feed.Unsubscribe(alias)
		s.log.Info("instrument deactivated", slog.String("alias", alias))
		s.BroadcastStatus()
	}
	writeJSON(w, map[string]any{"ok": true, "alias": alias, "wasActive": was})
}

type settingsView struct {
	IcebergDetectionEnabled bool   `json:"icebergDetectionEnabled"`
	MinIcebergChunkSize     uint32 `json:"minIcebergChunkSize"`
	FootprintResetMinutes   int    `json:"footprintResetMinutes"`
	ReloadRangeTicks        int32  `json:"reloadRangeTicks"`
	CleanupDistanceTicks    int32  `json:"cleanupDistanceTicks"`
	VelocityWindowSeconds   int    `json:"velocityWindowSeconds"`
}

func viewSettings(v depth.Settings) settingsView {
	return settingsView{
		IcebergDetectionEnabled: v.IcebergDetectionEnabled,
		MinIcebergChunkSize:     v.MinIcebergChunkSize,
		FootprintResetMinutes:   int(v.FootprintResetInterval / time.Minute),
		ReloadRangeTicks:        v.ReloadRangeTicks,
		CleanupDistanceTicks:    v.CleanupDistanceTicks,
		VelocityWindowSeconds:   int(v.VelocityWindow / time.Second),
	}
}

// GET  /api/settings
// POST /api/settings { "icebergDetectionEnabled": false, "minIcebergChunkSize": 25, "footprintResetMinutes": 10 }
func (s *HTTPServer) apiSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, viewSettings(s.st.Settings()))
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "GET or POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		IcebergDetectionEnabled *bool   `json:"icebergDetectionEnabled,omitempty"`
		MinIcebergChunkSize     *uint32 `json:"minIcebergChunkSize,omitempty"`
		FootprintResetMinutes   *int    `json:"footprintResetMinutes,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	v := s.st.Settings()
	if req.IcebergDetectionEnabled != nil {
		v.IcebergDetectionEnabled = *req.IcebergDetectionEnabled
	}
	if req.MinIcebergChunkSize != nil {
		if *req.MinIcebergChunkSize < 1 {
			http.Error(w, "minIcebergChunkSize must be >=1", http.StatusBadRequest)
			return
		}
		v.MinIcebergChunkSize = *req.MinIcebergChunkSize
	}
	if req.FootprintResetMinutes != nil {
		if *req.FootprintResetMinutes < 1 {
			http.Error(w, "footprintResetMinutes must be >=1", http.StatusBadRequest)
			return
		}
		v.FootprintResetInterval = time.Duration(*req.FootprintResetMinutes) * time.Minute
	}
	s.st.SetSettings(v)
	s.log.Info("settings updated",
		slog.Bool("iceberg_detection", v.IcebergDetectionEnabled),
		slog.Int("min_iceberg_chunk", int(v.MinIcebergChunkSize)),
		slog.Duration("footprint_reset", v.FootprintResetInterval),
	)
	writeJSON(w, map[string]any{"ok": true, "settings": viewSettings(v)})
}

// GET /api/snapshot?alias=ESH4
func (s *HTTPServer) apiSnapshot(w http.ResponseWriter, r *http.Request) {
	alias := strings.TrimSpace(r.URL.Query().Get("alias"))
	if alias == "" {
		http.Error(w, "alias required", http.StatusBadRequest)
		return
	}
	e, ok := s.st.Engine(alias)
	if !ok {
		http.Error(w, state.ErrNotActive.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, e.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
