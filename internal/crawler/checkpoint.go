package crawler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgjiede/alispider/internal/storage"
)

// CheckpointRecord marks one persisted unit of work. Key is empty for
// unkeyed kinds; Page and Index locate where to resume.
type CheckpointRecord struct {
	Kind  storage.EntityKind `json:"kind"`
	Key   string             `json:"key"`
	Index int                `json:"index"`
	Page  int                `json:"page"`
	At    time.Time          `json:"at"`
}

// Checkpoint appends one JSON record per line after each persisted unit. A
// crash mid-write leaves at most one unterminated trailing line, which the
// loader discards.
type Checkpoint struct {
	path string
	file *os.File
}

// OpenCheckpoint opens (or creates) the checkpoint file for appending.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return &Checkpoint{path: path, file: file}, nil
}

// Append writes one record and flushes it to disk.
func (c *Checkpoint) Append(rec CheckpointRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint record: %w", err)
	}
	line = append(line, '\n')
	if _, err := c.file.Write(line); err != nil {
		return fmt.Errorf("failed to write checkpoint record: %w", err)
	}
	return c.file.Sync()
}

// Remove closes and deletes the checkpoint file. Called when a run finishes
// cleanly so the next run starts from scratch.
func (c *Checkpoint) Remove() error {
	if err := c.file.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Remove(c.path); err != nil {
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}
	return nil
}

// Close closes the checkpoint file without deleting it.
func (c *Checkpoint) Close() error {
	return c.file.Close()
}

// LoadCheckpoints reads the latest record per kind from a previous run's
// file. Malformed lines, including a torn trailing line from an interrupted
// write, are skipped, and so are records written before now's local day:
// snapshots go stale daily, so resuming past yesterday's cursor would skip
// keys that are due again. A missing file yields an empty map.
func LoadCheckpoints(path string, now time.Time) (map[storage.EntityKind]CheckpointRecord, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[storage.EntityKind]CheckpointRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	latest := make(map[storage.EntityKind]CheckpointRecord)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec CheckpointRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Kind == "" {
			continue
		}
		if rec.At.Before(dayStart) {
			continue
		}
		latest[rec.Kind] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return latest, nil
}
