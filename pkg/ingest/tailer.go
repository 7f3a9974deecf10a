package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/metrics"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// maxPartialLine caps how much of an unterminated line is carried between reads
const maxPartialLine = 1 << 20

// Handler receives every decoded event
type Handler func(event models.Event)

// TailerConfig configures a Tailer
type TailerConfig struct {
	Path            string
	PollInterval    time.Duration
	EventsPerSecond float64
	Burst           int
	// FromStart replays the existing file instead of starting at its end
	FromStart bool
}

// Tailer follows an append-only JSON lines event log
type Tailer struct {
	cfg     TailerConfig
	decoder *Decoder
	handler Handler
	limiter *rate.Limiter

	mu      sync.Mutex
	offset  int64
	partial []byte

	accepted  atomic.Int64
	malformed atomic.Int64
}

// NewTailer creates a tailer for the log at cfg.Path
func NewTailer(cfg TailerConfig, handler Handler) (*Tailer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("failed to create tailer: empty log path")
	}
	if handler == nil {
		return nil, fmt.Errorf("failed to create tailer: nil handler")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	limit := rate.Inf
	if cfg.EventsPerSecond > 0 {
		limit = rate.Limit(cfg.EventsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	t := &Tailer{
		cfg:     cfg,
		decoder: NewDecoder(),
		handler: handler,
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}

	if !cfg.FromStart {
		if info, err := os.Stat(cfg.Path); err == nil {
			t.offset = info.Size()
		}
	}
	return t, nil
}

// Accepted returns the number of events handed to the handler
func (t *Tailer) Accepted() int64 { return t.accepted.Load() }

// Malformed returns the number of skipped lines
func (t *Tailer) Malformed() int64 { return t.malformed.Load() }

// Offset returns the byte offset of the next read
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Run follows the log until ctx is done. File system notifications trigger reads
// immediately; the poll ticker covers platforms and mounts where they are not delivered.
func (t *Tailer) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrors <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.Warnf("File watcher unavailable, polling %s: %v", t.cfg.Path, err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(t.cfg.Path)); err != nil {
			logrus.Warnf("Failed to watch %s, polling instead: %v", filepath.Dir(t.cfg.Path), err)
		} else {
			events = watcher.Events
			watchErrors = watcher.Errors
		}
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	logrus.Infof("Tailing event log %s from offset %d", t.cfg.Path, t.Offset())
	t.read(ctx)

	target := filepath.Clean(t.cfg.Path)
	for {
		select {
		case <-ctx.Done():
			logrus.Infof("Stopped tailing %s (%d accepted, %d malformed)", t.cfg.Path, t.Accepted(), t.Malformed())
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				logrus.Infof("Event log %s was rotated", t.cfg.Path)
				t.reset()
				continue
			}
			t.read(ctx)
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			logrus.Warnf("File watcher error: %v", err)
		case <-ticker.C:
			t.read(ctx)
		}
	}
}

func (t *Tailer) read(ctx context.Context) {
	if _, err := t.ReadNew(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logrus.Errorf("Failed to read event log: %v", err)
	}
}

func (t *Tailer) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset = 0
	t.partial = nil
}

// ReadNew reads everything appended since the last call and returns the number of
// events handed to the handler. A file shorter than the current offset is treated as
// truncated and read from the beginning.
func (t *Tailer) ReadNew(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat event log: %w", err)
	}
	size := info.Size()
	if size < t.offset {
		logrus.Warnf("Event log %s truncated (%d < %d), reading from start", t.cfg.Path, size, t.offset)
		t.offset = 0
		t.partial = nil
	}
	if size == t.offset {
		return 0, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek event log: %w", err)
	}
	chunk, err := io.ReadAll(io.LimitReader(f, size-t.offset))
	if err != nil {
		return 0, fmt.Errorf("failed to read event log: %w", err)
	}
	t.offset += int64(len(chunk))

	data := append(t.partial, chunk...)
	t.partial = nil

	handled := 0
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := bytes.TrimSpace(data[:nl])
		data = data[nl+1:]
		if len(line) == 0 {
			continue
		}

		event, err := t.decoder.Decode(line)
		if err != nil {
			t.malformed.Add(1)
			metrics.EventsRejected.WithLabelValues("malformed").Inc()
			logrus.WithField("path", t.cfg.Path).Warnf("Skipping malformed event line: %v", err)
			continue
		}

		if err := t.limiter.Wait(ctx); err != nil {
			// keep the unread remainder for the next call
			t.partial = append(append([]byte(nil), line...), '\n')
			t.partial = append(t.partial, data...)
			return handled, err
		}
		t.handler(event)
		t.accepted.Add(1)
		handled++
	}

	if len(data) > maxPartialLine {
		t.malformed.Add(1)
		metrics.EventsRejected.WithLabelValues("oversized").Inc()
		logrus.Warnf("Dropping unterminated line of %d bytes", len(data))
		data = nil
	}
	if len(data) > 0 {
		t.partial = append([]byte(nil), data...)
	}
	return handled, nil
}
