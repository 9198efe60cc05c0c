package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/storage"
)

func newTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.OpenEngine(t.TempDir(), ids.ShardID(1))
	require.NoError(t, err)
	return e
}

func TestHandleDataGetSetDelete(t *testing.T) {
	e := newTestEngine(t)
	reg := NewShardRegistry()
	reg.Put(ids.ShardID(1), e)

	srv := NewServer(reg, func() *config.State { return config.New() }, nil)
	mux := srv.Routes()

	put := httptest.NewRequest(http.MethodPut, "/data/1/hello", strings.NewReader("world"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, put)
	assert.Equal(t, http.StatusOK, rec.Code)

	get := httptest.NewRequest(http.MethodGet, "/data/1/hello", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, get)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "world", rec.Body.String())

	del := httptest.NewRequest(http.MethodDelete, "/data/1/hello", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, del)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data/1/hello", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDataUnknownShard(t *testing.T) {
	reg := NewShardRegistry()
	srv := NewServer(reg, func() *config.State { return config.New() }, nil)
	mux := srv.Routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data/99/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStorageReportsRegisteredShards(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Set([]byte("k"), []byte("v")))

	reg := NewShardRegistry()
	reg.Put(ids.ShardID(1), e)
	srv := NewServer(reg, func() *config.State { return config.New() }, nil)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/storage", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ActiveKeys":1`)
}

func TestHandleConfigDumpsState(t *testing.T) {
	reg := NewShardRegistry()
	state := config.New()
	state.PutDatabase(&config.Database{DatabaseID: 1, Name: "d"})
	srv := NewServer(reg, func() *config.State { return state }, nil)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"d"`)
}

func TestStartAndEndBackupRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	reg := NewShardRegistry()
	reg.Put(ids.ShardID(1), e)
	srv := NewServer(reg, func() *config.State { return config.New() }, nil)
	mux := srv.Routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/startbackup?shard=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	tocID := resp["toc_id"]
	require.NotEmpty(t, tocID)

	tocPathExists := filepath.Join(e.Dir(), "toc-"+tocID+".json")
	require.FileExists(t, tocPathExists)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/endbackup?shard=1&toc="+tocID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoFileExists(t, tocPathExists)
}

func TestHandleRotateLogForceFreezesActiveChunk(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Set([]byte("k"), []byte("v")))

	reg := NewShardRegistry()
	reg.Put(ids.ShardID(1), e)
	srv := NewServer(reg, func() *config.State { return config.New() }, nil)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rotatelog", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, e.Stats().SealedChunks)
	assert.Equal(t, 0, e.Stats().ActiveKeys)
}
