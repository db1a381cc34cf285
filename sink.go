package harcap

import (
	"bytes"
	"context"
	"errors"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceWriter persists trace records. Implementations are called from a
// single goroutine.
type TraceWriter interface {
	WriteRecord(ctx context.Context, rec *TraceRecord) error
	Close() error
}

// TraceSink queues retained records and persists them on a dedicated
// goroutine so that slow storage never stalls the interception path.
// When the queue is full the oldest queued record is dropped.
type TraceSink struct {
	w     TraceWriter
	queue chan *TraceRecord

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// Logger for write failures and queue drops.
	Logger *slog.Logger

	// Metrics records writes, drops and failures (optional).
	Metrics *Metrics

	// OnError is called with every PersistenceError (optional).
	OnError func(err error)
}

// DefaultTraceQueueSize is used when NewTraceSink is given a size <= 0.
const DefaultTraceQueueSize = 1024

// NewTraceSink starts a sink that writes to w through a queue of size
// records.
func NewTraceSink(w TraceWriter, size int, logger *slog.Logger) *TraceSink {
	if size <= 0 {
		size = DefaultTraceQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &TraceSink{
		w:      w,
		queue:  make(chan *TraceRecord, size),
		Logger: logger,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Append enqueues rec without blocking. It returns ErrSinkClosed after
// Close.
func (s *TraceSink) Append(rec *TraceRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}

	for {
		select {
		case s.queue <- rec:
			if s.Metrics != nil {
				s.Metrics.SetTraceQueueDepth(len(s.queue))
			}
			return nil
		default:
		}

		select {
		case old := <-s.queue:
			s.Logger.Warn("trace queue full, dropping oldest record",
				"flow_id", old.FlowID(),
				"queue_size", cap(s.queue),
			)
			if s.Metrics != nil {
				s.Metrics.RecordTraceDropped()
			}
		default:
		}
	}
}

// Len returns the number of queued records.
func (s *TraceSink) Len() int {
	return len(s.queue)
}

// Close stops accepting records, waits for the queue to drain and closes
// the writer.
func (s *TraceSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return s.w.Close()
}

func (s *TraceSink) run() {
	defer s.wg.Done()

	for rec := range s.queue {
		if s.Metrics != nil {
			s.Metrics.SetTraceQueueDepth(len(s.queue))
		}
		if err := s.w.WriteRecord(context.Background(), rec); err != nil {
			perr := &PersistenceError{FlowID: rec.FlowID(), Err: err}
			s.Logger.Error("trace write failed", "flow_id", rec.FlowID(), "error", err)
			if s.Metrics != nil {
				s.Metrics.RecordTraceError()
			}
			if s.OnError != nil {
				s.OnError(perr)
			}
			continue
		}
		if s.Metrics != nil {
			s.Metrics.RecordTraceWritten()
		}
	}
}

// FileTraceWriter appends one HAR entry per line to a file. Each entry is
// written with a single write and optionally synced before the next one
// starts, so an abrupt stop can at worst leave a torn final line. A torn
// line left by a previous run is cut off when the file is reopened.
type FileTraceWriter struct {
	path  string
	fsync bool

	mu   sync.Mutex
	f    *os.File
	size int64 // end of the last complete line
}

// NewFileTraceWriter opens path for appending, creating parent
// directories. When fsync is true every entry is synced to disk.
func NewFileTraceWriter(path string, fsync bool) (*FileTraceWriter, error) {
	w := &FileTraceWriter{path: path, fsync: fsync}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileTraceWriter) open() error {
	if dir := filepath.Dir(w.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create trace dir: %w", err)
		}
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	size, err := trimTornTail(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("repair trace file: %w", err)
	}
	w.f = f
	w.size = size
	return nil
}

// trimTornTail truncates f after its last newline and returns the new
// size. A file without any newline is emptied.
func trimTornTail(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		n := min(int64(len(buf)), end)
		if _, err := f.ReadAt(buf[:n], end-n); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			good := end - n + int64(i) + 1
			if good == size {
				return size, nil
			}
			return good, f.Truncate(good)
		}
		end -= n
	}
	if size == 0 {
		return 0, nil
	}
	return 0, f.Truncate(0)
}

// Path returns the active trace file path.
func (w *FileTraceWriter) Path() string {
	return w.path
}

// WriteRecord appends rec as one JSON line. A failed write is cut back to
// the previous line boundary so later entries still parse.
func (w *FileTraceWriter) WriteRecord(_ context.Context, rec *TraceRecord) error {
	data, err := json.Marshal(rec.Entry())
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return ErrSinkClosed
	}
	n, err := w.f.Write(data)
	if err != nil {
		if n > 0 {
			if terr := w.f.Truncate(w.size); terr != nil {
				return fmt.Errorf("write entry: %w (truncate: %v)", err, terr)
			}
		}
		return fmt.Errorf("write entry: %w", err)
	}
	w.size += int64(n)
	if w.fsync {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("sync trace file: %w", err)
		}
	}
	return nil
}

// Rotate renames the current file with a timestamp suffix and starts a
// new one at the original path. It returns the rotated file name. The
// writer is reopened even when closing or renaming the old file fails.
func (w *FileTraceWriter) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return "", ErrSinkClosed
	}
	cerr := w.closeLocked()

	ext := filepath.Ext(w.path)
	rotated := fmt.Sprintf("%s-%s%s", w.path[:len(w.path)-len(ext)], time.Now().UTC().Format("20060102T150405.000000000"), ext)
	rerr := os.Rename(w.path, rotated)
	if err := w.open(); err != nil {
		return "", errors.Join(cerr, rerr, err)
	}
	if rerr != nil {
		return "", fmt.Errorf("rename trace file: %w", rerr)
	}
	return rotated, cerr
}

// Close closes the file.
func (w *FileTraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	return w.closeLocked()
}

func (w *FileTraceWriter) closeLocked() error {
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("close trace file: %w", err)
	}
	return nil
}
