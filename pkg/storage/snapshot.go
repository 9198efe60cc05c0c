package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// SnapshotTOC is a backup table of contents: the set of sealed chunk
// files an engine held at the moment the backup started, plus the WAL
// segment still active (a consistent backup replays that WAL forward
// from TOC time, spec's admin /startbackup-/endbackup pair).
type SnapshotTOC struct {
	ID           string    `json:"id"`
	ShardID      uint64    `json:"shard_id"`
	CreatedAt    string    `json:"created_at"`
	ChunkPaths   []string  `json:"chunk_paths"`
	LogSegmentID uint64    `json:"log_segment_id"`
}

// WriteSnapshotTOC snapshots e's current sealed-chunk list into a
// `toc-<id>.json` file under e's directory and returns the generated
// TOC id (spec's admin /startbackup route).
func WriteSnapshotTOC(e *Engine, createdAt time.Time) (string, error) {
	id := uuid.NewString()
	stats := e.Stats()

	toc := SnapshotTOC{
		ID:           id,
		ShardID:      uint64(stats.ShardID),
		CreatedAt:    createdAt.Format(time.RFC3339),
		ChunkPaths:   e.SealedChunkPaths(),
		LogSegmentID: uint64(stats.LogSegmentID),
	}

	buf, err := json.MarshalIndent(toc, "", "  ")
	if err != nil {
		return "", err
	}

	path := tocPath(e.Dir(), id)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return "", fmt.Errorf("storage: write snapshot toc: %w", err)
	}
	return id, nil
}

// DeleteSnapshotTOC removes a previously written TOC (spec's admin
// /endbackup route), treating an already-absent file as success.
func DeleteSnapshotTOC(e *Engine, tocID string) error {
	err := os.Remove(tocPath(e.Dir(), tocID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete snapshot toc: %w", err)
	}
	return nil
}

// ReadSnapshotTOC loads a previously written TOC by id.
func ReadSnapshotTOC(e *Engine, tocID string) (*SnapshotTOC, error) {
	buf, err := os.ReadFile(tocPath(e.Dir(), tocID))
	if err != nil {
		return nil, err
	}
	var toc SnapshotTOC
	if err := json.Unmarshal(buf, &toc); err != nil {
		return nil, err
	}
	return &toc, nil
}

func tocPath(dir, id string) string {
	return filepath.Join(dir, fmt.Sprintf("toc-%s.json", id))
}
