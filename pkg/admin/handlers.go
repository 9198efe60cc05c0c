package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/storage"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "scaliendb shard server\nuptime: %s\nroutes: /stats /memory /storage /config /clearcache /rotatelog /startbackup /endbackup /settings /data/\n",
		time.Since(s.startedAt).Round(time.Second))
}

// handleStatsFallback covers the no-Prometheus-registry case with a
// plain-text per-shard summary instead of the promhttp exposition
// format.
func (s *Server) handleStatsFallback(w http.ResponseWriter, r *http.Request) {
	for _, e := range s.Shards.All() {
		st := e.Stats()
		fmt.Fprintf(w, "shard=%d active_keys=%d sealed_chunks=%d\n", st.ShardID, st.ActiveKeys, st.SealedChunks)
	}
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	writeJSON(w, map[string]uint64{
		"alloc_bytes":       m.Alloc,
		"total_alloc_bytes": m.TotalAlloc,
		"sys_bytes":         m.Sys,
		"heap_objects":      m.HeapObjects,
		"num_gc":            uint64(m.NumGC),
	})
}

// handleStorage reports per-shard storage.EngineStats for every shard
// this process serves.
func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	engines := s.Shards.All()
	out := make([]storage.EngineStats, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Stats())
	}
	writeJSON(w, out)
}

// handleConfig dumps the current ConfigState as the same JSON a
// ControllerConnection would hand a client (spec §4.2 RESPCONFIGSTATE).
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	state := s.ConfigState()
	if state == nil {
		http.Error(w, "no config state available", http.StatusServiceUnavailable)
		return
	}
	buf, err := config.Marshal(state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf)
}

// handleClearCache is a documented no-op: this engine has no read
// cache layer distinct from the active MemoChunk/sealed FileChunks
// (the bloom pages already sit resident per chunk), so there is
// nothing to evict. Kept as a route for operator tooling parity.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "no-op: no separate cache layer"})
}

// handleRotateLog force-freezes every served shard's active chunk,
// starting each on a fresh WAL segment (spec admin /rotatelog).
func (s *Server) handleRotateLog(w http.ResponseWriter, r *http.Request) {
	var rotated []ids.ShardID
	for _, e := range s.Shards.All() {
		if err := e.ForceFreeze(); err != nil {
			http.Error(w, fmt.Sprintf("shard %d: %v", e.ShardID(), err), http.StatusInternalServerError)
			return
		}
		rotated = append(rotated, e.ShardID())
	}
	writeJSON(w, map[string]interface{}{"rotated_shards": rotated})
}

// handleStartBackup writes a SnapshotTOC for the requested shard (query
// param "shard") and returns its generated id.
func (s *Server) handleStartBackup(w http.ResponseWriter, r *http.Request) {
	e, ok := s.shardFromQuery(w, r)
	if !ok {
		return
	}
	id, err := storage.WriteSnapshotTOC(e, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"toc_id": id})
}

// handleEndBackup deletes a previously started SnapshotTOC, identified
// by query params "shard" and "toc".
func (s *Server) handleEndBackup(w http.ResponseWriter, r *http.Request) {
	e, ok := s.shardFromQuery(w, r)
	if !ok {
		return
	}
	tocID := r.URL.Query().Get("toc")
	if tocID == "" {
		http.Error(w, "missing toc query parameter", http.StatusBadRequest)
		return
	}
	if err := storage.DeleteSnapshotTOC(e, tocID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

// handleSettings GETs or POSTs the process's free-form settings map.
// A POST merges whatever keys it carries; cmd/shardserver seeds
// batchLimit and replicationFactor. Values are stored and reported
// only; nothing in the process reads them back to change behaviour.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	if r.Method == http.MethodGet {
		writeJSON(w, s.settings)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var update map[string]string
	if err := json.Unmarshal(body, &update); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for k, v := range update {
		s.settings[k] = v
	}
	writeJSON(w, s.settings)
}

// handleData serves /data/{shardID}/{key}: GET reads directly from the
// shard's engine, PUT writes directly to it. This bypasses the Paxos
// quorum path entirely and is meant for operator debugging, not
// application traffic — the real data path is SDBP via pkg/client.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/data/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "expected /data/{shardID}/{key}", http.StatusBadRequest)
		return
	}
	shardNum, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid shard id", http.StatusBadRequest)
		return
	}
	e, ok := s.Shards.Get(ids.ShardID(shardNum))
	if !ok {
		http.Error(w, "unknown shard", http.StatusNotFound)
		return
	}
	key := []byte(parts[1])

	switch r.Method {
	case http.MethodGet:
		v, found, err := e.Get(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(v)
	case http.MethodPut:
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := e.Set(key, value); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if _, err := e.Delete(key); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) shardFromQuery(w http.ResponseWriter, r *http.Request) (*storage.Engine, bool) {
	shardNum, err := strconv.ParseUint(r.URL.Query().Get("shard"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid shard query parameter", http.StatusBadRequest)
		return nil, false
	}
	e, ok := s.Shards.Get(ids.ShardID(shardNum))
	if !ok {
		http.Error(w, "unknown shard", http.StatusNotFound)
		return nil, false
	}
	return e, true
}
