// snapshot.go handles snapshot persistence at the file level: atomic writes
// via a temp file plus rename, and the startup load.
//
// The server journals nothing between snapshots. Durability is bounded by
// the snapshot interval: a crash loses at most the writes since the last
// snapshot. SAVE gives clients a synchronous checkpoint when they need one.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// saveSnapshot writes the store to the configured snapshot file.
//
// The snapshot streams to a temporary file in the same directory, is fsynced,
// and then renamed over the old file. Rename is atomic on POSIX filesystems,
// so a crash mid-write leaves the previous snapshot intact. saveMu serializes
// callers; SAVE and the background ticker never interleave writes.
func (app *application) saveSnapshot() error {
	app.saveMu.Lock()
	defer app.saveMu.Unlock()

	start := time.Now()

	dir := filepath.Dir(app.config.snapshotFile)
	tmp, err := os.CreateTemp(dir, "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if err := app.store.SaveSnapshotToWriter(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}

	if err := os.Rename(tmpName, app.config.snapshotFile); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing snapshot: %w", err)
	}

	app.metrics.TotalSnapshots.Add(1)
	app.logger.Info("snapshot written",
		"file", app.config.snapshotFile,
		"keys", app.store.Keys(),
		"duration", time.Since(start))
	return nil
}

// loadSnapshot restores the store from the configured snapshot file at
// startup. A missing file is not an error; it just means a fresh server.
// This runs before any network listener is active, so no locking subtleties
// apply during the load.
func (app *application) loadSnapshot() error {
	f, err := os.Open(app.config.snapshotFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			app.logger.Info("no snapshot file found, starting empty", "file", app.config.snapshotFile)
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	if err := app.store.LoadSnapshotFromReader(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("loading snapshot %s: %w", app.config.snapshotFile, err)
	}

	app.logger.Info("snapshot loaded", "file", app.config.snapshotFile, "keys", app.store.Keys())
	return nil
}
