package admin

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
)

// Server is the admin HTTP route table. ConfigState is a callback
// rather than a stored pointer since the controller connection swaps
// in a fresh *config.State on every revision bump.
type Server struct {
	Shards     *ShardRegistry
	ConfigState func() *config.State
	Registry   *prometheus.Registry

	startedAt time.Time

	settingsMu sync.Mutex
	settings   map[string]string
}

// NewServer builds a Server over an already-populated ShardRegistry. A
// nil Registry disables the /stats route's Prometheus exposition
// (handleStatsFallback serves a plain-text summary instead).
func NewServer(shards *ShardRegistry, configState func() *config.State, registry *prometheus.Registry) *Server {
	return &Server{
		Shards:      shards,
		ConfigState: configState,
		Registry:    registry,
		startedAt:   time.Now(),
		settings:    map[string]string{"freezeThreshold": ""},
	}
}

// SetSetting seeds or overrides one runtime knob exposed via
// GET/POST /settings, e.g. the process's configured batchLimit or
// freezeThreshold at startup.
func (s *Server) SetSetting(key, value string) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings[key] = value
}

// Routes builds the route table named in spec's admin surface: "/",
// "/stats", "/memory", "/storage", "/config", "/clearcache",
// "/rotatelog", "/startbackup", "/endbackup", "/settings", plus the
// "/data/" prefix for direct (consensus-bypassing, operator-only) key
// access, mirroring torua's "/data/" prefix route.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	if s.Registry != nil {
		mux.Handle("/stats", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	} else {
		mux.HandleFunc("/stats", s.handleStatsFallback)
	}
	mux.HandleFunc("/memory", s.handleMemory)
	mux.HandleFunc("/storage", s.handleStorage)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/clearcache", s.handleClearCache)
	mux.HandleFunc("/rotatelog", s.handleRotateLog)
	mux.HandleFunc("/startbackup", s.handleStartBackup)
	mux.HandleFunc("/endbackup", s.handleEndBackup)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/data/", s.handleData)
	return mux
}
