package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ricelabs/rice/internal/logging"
)

// QueryLog appends one JSONL line per query under
// {dir}/{store}/{YYYY-MM-DD}.jsonl. Writes buffer in memory and flush on a
// timer; Close drains synchronously. Day files additionally rotate by size.
type QueryLog struct {
	dir       string
	maxSizeMB int
	interval  time.Duration

	mu      sync.Mutex
	writers map[string]*storeWriter
	closed  bool

	stop chan struct{}
	done chan struct{}
}

type storeWriter struct {
	day  string
	file *logging.RotatingWriter
	buf  *bufio.Writer
}

// NewQueryLog creates the query log rooted at dir.
func NewQueryLog(dir string, maxSizeMB int, flushInterval time.Duration) (*QueryLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create query-log dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	ql := &QueryLog{
		dir:       dir,
		maxSizeMB: maxSizeMB,
		interval:  flushInterval,
		writers:   make(map[string]*storeWriter),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go ql.flushLoop()
	return ql, nil
}

func (q *QueryLog) flushLoop() {
	defer close(q.done)
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			if err := q.Flush(); err != nil {
				slog.Warn("query log flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Append writes one record to its store's current day file.
func (q *QueryLog) Append(rec QueryRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal query record: %w", err)
	}
	line = append(line, '\n')

	day := rec.Time.UTC().Format("2006-01-02")

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("query log is closed")
	}

	w, err := q.writerFor(rec.Store, day)
	if err != nil {
		return err
	}
	_, err = w.buf.Write(line)
	return err
}

// writerFor returns the writer for (store, day), rolling to a new day file
// when the date changed. Caller holds the lock.
func (q *QueryLog) writerFor(store, day string) (*storeWriter, error) {
	w, ok := q.writers[store]
	if ok && w.day == day {
		return w, nil
	}
	if ok {
		_ = w.buf.Flush()
		_ = w.file.Close()
	}

	storeDir := filepath.Join(q.dir, store)
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store log dir: %w", err)
	}
	file, err := logging.NewRotatingWriter(filepath.Join(storeDir, day+".jsonl"), q.maxSizeMB, 5)
	if err != nil {
		return nil, fmt.Errorf("open query log: %w", err)
	}
	w = &storeWriter{day: day, file: file, buf: bufio.NewWriterSize(file, 32*1024)}
	q.writers[store] = w
	return w, nil
}

// Flush forces buffered lines to disk.
func (q *QueryLog) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var firstErr error
	for _, w := range q.writers {
		if err := w.buf.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close drains all buffers synchronously and stops the flush loop. The ctx
// deadline bounds the wait for the background loop.
func (q *QueryLog) Close(ctx context.Context) error {
	close(q.stop)
	select {
	case <-q.done:
	case <-ctx.Done():
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	var firstErr error
	for _, w := range q.writers {
		if err := w.buf.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.writers = make(map[string]*storeWriter)
	return firstErr
}
