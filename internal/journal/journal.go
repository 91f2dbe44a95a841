// Package journal appends one JSON line per daemon command to date-organised,
// size-rotated files.
package journal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrClosed     = errors.New("journal is closed")
	ErrBufferFull = errors.New("journal buffer full")
)

const fileName = "commands.jsonl"

// Entry records one command served by the daemon.
type Entry struct {
	Time       time.Time `json:"time"`
	RequestID  string    `json:"request_id,omitempty"`
	Command    string    `json:"command"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Bytes      int       `json:"bytes"`
}

// Writer queues entries and writes them on its own goroutine, so a slow
// disk never holds up a command.
type Writer struct {
	dir       string
	maxSizeMB int
	clock     func() time.Time

	writeCh chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewWriter starts a writer below dir. Files live at <dir>/<date>/commands.jsonl
// and rotate at maxSizeMB.
func NewWriter(dir string, bufferSize, maxSizeMB int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	w := &Writer{
		dir:       dir,
		maxSizeMB: maxSizeMB,
		clock:     time.Now,
		writeCh:   make(chan Entry, bufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues e. It never blocks: a full buffer drops the entry.
func (w *Writer) Write(e Entry) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.writeCh <- e:
		return nil
	default:
		slog.Warn("journal buffer full, dropping entry", "command", e.Command)
		return ErrBufferFull
	}
}

// Close flushes queued entries and closes the current file. Calling it more
// than once is harmless.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger == nil {
		return nil
	}
	err := w.logger.Close()
	w.logger = nil
	return err
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.writeCh:
			w.writeEntry(e)
		case <-w.done:
			w.drain()
			return
		}
	}
}

// drain writes whatever is still queued, for at most five seconds.
func (w *Writer) drain() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-w.writeCh:
			w.writeEntry(e)
		case <-timeout:
			slog.Warn("journal close timeout, some entries may be lost", "pending", len(w.writeCh))
			return
		default:
			return
		}
	}
}

func (w *Writer) writeEntry(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal journal entry", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.clock().UTC().Format("2006-01-02")
	if w.logger == nil || date != w.currentDate {
		if !w.openForDate(date) {
			return
		}
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("failed to write journal entry", "error", err, "file", w.logger.Filename)
	}
}

func (w *Writer) openForDate(date string) bool {
	if w.logger != nil {
		_ = w.logger.Close()
		w.logger = nil
	}
	dir := filepath.Join(w.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("failed to create journal directory", "error", err, "dir", dir)
		return false
	}
	w.logger = &lumberjack.Logger{
		Filename:   filepath.Join(dir, fileName),
		MaxSize:    w.maxSizeMB,
		MaxBackups: 20,
		MaxAge:     30,
		LocalTime:  false,
	}
	w.currentDate = date
	slog.Debug("opened journal file", "file", w.logger.Filename)
	return true
}

// Path is the file entries written at t go to.
func (w *Writer) Path(t time.Time) string {
	return filepath.Join(w.dir, t.UTC().Format("2006-01-02"), fileName)
}
