package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/scannerops/callwatch/internal/calls"
	"github.com/scannerops/callwatch/pkg/logger"
)

// settleDelay gives the producer time to finish writing before we read. Drop
// directories are written by external recorders that create then fill files.
const settleDelay = 250 * time.Millisecond

// Submitter feeds call records into the processing pipeline.
type Submitter interface {
	Submit(ctx context.Context, call *calls.CallRecord) error
}

// Watcher ingests call records dropped as JSON files into a watched
// directory. Processed files are renamed with a .done suffix so reprocessing
// after a restart is cheap to avoid.
type Watcher struct {
	dir      string
	pipeline Submitter
	logger   *logger.Logger
}

// NewWatcher creates a drop-directory watcher.
func NewWatcher(dir string, pipeline Submitter, log *logger.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		pipeline: pipeline,
		logger:   log.Named("ingest-watcher"),
	}
}

// Run watches the drop directory until the context is cancelled. Files
// already present at startup are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("Watching drop directory", logger.String("dir", w.dir))

	w.processExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isCallFile(event.Name) {
				continue
			}
			time.Sleep(settleDelay)
			w.processFile(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", logger.Error(err))
		}
	}
}

func (w *Watcher) processExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("Failed to scan drop directory", logger.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isCallFile(entry.Name()) {
			continue
		}
		w.processFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("Failed to read dropped file",
				logger.String("path", path),
				logger.Error(err),
			)
		}
		return
	}

	var call calls.CallRecord
	if err := json.Unmarshal(data, &call); err != nil {
		w.logger.Warn("Dropped file is not a valid call record",
			logger.String("path", path),
			logger.Error(err),
		)
		w.markDone(path)
		return
	}
	if call.Transcript == "" {
		w.logger.Warn("Dropped file has no transcript", logger.String("path", path))
		w.markDone(path)
		return
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now().UTC()
	}
	if call.Origin == "" {
		call.Origin = calls.OriginDispatch
	}

	if err := w.pipeline.Submit(ctx, &call); err != nil {
		w.logger.Error("Failed to process dropped call",
			logger.String("call_id", call.ID),
			logger.Error(err),
		)
		return
	}

	w.logger.Debug("Ingested dropped call",
		logger.String("call_id", call.ID),
		logger.String("path", path),
	)
	w.markDone(path)
}

func (w *Watcher) markDone(path string) {
	if err := os.Rename(path, path+".done"); err != nil {
		w.logger.Warn("Failed to mark dropped file processed",
			logger.String("path", path),
			logger.Error(err),
		)
	}
}

func isCallFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
