package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// snapshotVersion guards against reading state written by an incompatible
// build.
const snapshotVersion = 1

type snapshotFile struct {
	Version    int                 `json:"version"`
	BatchID    string              `json:"batchId"`
	Processing []ProcessingEntry   `json:"processing"`
	Reviews    []PendingReviewItem `json:"reviews"`
}

// SaveSnapshot writes the processing queue and pending-review list, including
// user edits, to path as zstd-compressed JSON. Upload and needs-type entries
// refer to files the next run may not see and are not persisted.
// The file is written to a temp file first and renamed into place.
func (s *Store) SaveSnapshot(path string) error {
	snap := s.Snapshot()
	data, err := json.Marshal(snapshotFile{
		Version:    snapshotVersion,
		BatchID:    snap.BatchID,
		Processing: snap.Processing,
		Reviews:    snap.Reviews,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".grading-state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	log.Debug().
		Str("path", path).
		Int("processing", len(snap.Processing)).
		Int("reviews", len(snap.Reviews)).
		Msg("Saved queue snapshot")
	return nil
}

// LoadSnapshot merges a snapshot written by SaveSnapshot into the store using
// the same rules as LoadFromServer. A missing file is not an error.
func (s *Store) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	var snap snapshotFile
	if err := json.NewDecoder(dec).Decode(&snap); err != nil {
		return fmt.Errorf("decode state file: %w", err)
	}
	if snap.Version != snapshotVersion {
		log.Warn().Int("version", snap.Version).Str("path", path).Msg("Ignoring state file from incompatible version")
		return nil
	}

	s.LoadFromServer(snap.Reviews, snap.Processing)

	s.mu.Lock()
	if s.currentBatch == "" {
		s.currentBatch = snap.BatchID
	}
	s.mu.Unlock()

	log.Debug().
		Str("path", path).
		Int("processing", len(snap.Processing)).
		Int("reviews", len(snap.Reviews)).
		Msg("Loaded queue snapshot")
	return nil
}
