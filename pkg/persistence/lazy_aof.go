package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("aof writer closed")

// LazyConfig tunes the batching of a LazyAOFWriter.
type LazyConfig struct {
	// FlushInterval is how often buffered commands are handed to the OS.
	FlushInterval time.Duration
	// SyncInterval is how often the file is fsynced. Bounds data loss on crash.
	SyncInterval time.Duration
	// MaxBuffered forces a flush once this many commands are pending.
	MaxBuffered int
}

// DefaultLazyConfig flushes every 100ms, fsyncs every second and never holds
// more than 1000 commands.
func DefaultLazyConfig() LazyConfig {
	return LazyConfig{
		FlushInterval: 100 * time.Millisecond,
		SyncInterval:  time.Second,
		MaxBuffered:   1000,
	}
}

// LazyAOFWriter batches commands in memory and writes them to the underlying
// AOFWriter from background tickers. Callers needing durability for a single
// command call Flush or Sync after Write.
type LazyAOFWriter struct {
	underlying *AOFWriter
	cfg        LazyConfig

	mu      sync.Mutex
	buffer  []string
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLazyAOFWriter wraps underlying with the default batching policy.
func NewLazyAOFWriter(underlying *AOFWriter) *LazyAOFWriter {
	return NewLazyAOFWriterWithConfig(underlying, DefaultLazyConfig())
}

// NewLazyAOFWriterWithConfig wraps underlying. The underlying writer must not
// be used directly afterwards.
func NewLazyAOFWriterWithConfig(underlying *AOFWriter, cfg LazyConfig) *LazyAOFWriter {
	def := DefaultLazyConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = def.MaxBuffered
	}

	lw := &LazyAOFWriter{
		underlying: underlying,
		cfg:        cfg,
		buffer:     make([]string, 0, cfg.MaxBuffered),
		stopCh:     make(chan struct{}),
	}

	lw.wg.Add(1)
	go lw.loop()

	slog.Debug("lazy AOF writer started",
		"path", underlying.Path(),
		"flush_interval", cfg.FlushInterval,
		"sync_interval", cfg.SyncInterval,
		"max_buffered", cfg.MaxBuffered,
	)
	return lw
}

// Write queues one encoded command.
func (lw *LazyAOFWriter) Write(data string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.stopped {
		return ErrWriterClosed
	}
	lw.buffer = append(lw.buffer, data)
	if len(lw.buffer) >= lw.cfg.MaxBuffered {
		return lw.flushLocked()
	}
	return nil
}

// Flush writes all queued commands to the OS. It does not fsync.
func (lw *LazyAOFWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.flushLocked()
}

func (lw *LazyAOFWriter) flushLocked() error {
	if len(lw.buffer) == 0 {
		return nil
	}
	for _, data := range lw.buffer {
		if err := lw.underlying.Write(data); err != nil {
			return fmt.Errorf("failed to write to AOF: %w", err)
		}
	}
	if err := lw.underlying.Flush(); err != nil {
		return fmt.Errorf("failed to flush AOF buffer: %w", err)
	}
	lw.buffer = lw.buffer[:0]
	return nil
}

// Sync flushes queued commands and fsyncs the file.
func (lw *LazyAOFWriter) Sync() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.Sync()
}

// Close stops the tickers, writes what is pending and closes the file.
func (lw *LazyAOFWriter) Close() error {
	lw.mu.Lock()
	if lw.stopped {
		lw.mu.Unlock()
		return ErrWriterClosed
	}
	lw.stopped = true
	lw.mu.Unlock()

	close(lw.stopCh)
	lw.wg.Wait()

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.flushLocked(); err != nil {
		slog.Error("failed to flush AOF during close", "error", err)
	}
	return lw.underlying.Close()
}

// Path returns the path of the underlying file.
func (lw *LazyAOFWriter) Path() string {
	return lw.underlying.Path()
}

// Size returns the on-disk size of the log.
func (lw *LazyAOFWriter) Size() (int64, error) {
	return lw.underlying.Size()
}

// Truncate flushes pending commands and then empties the log. Callers must
// guarantee everything in it is covered by a snapshot.
func (lw *LazyAOFWriter) Truncate() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.Truncate()
}

// ReplaceWith flushes and swaps in a rewritten log.
func (lw *LazyAOFWriter) ReplaceWith(newFilePath string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.ReplaceWith(newFilePath)
}

func (lw *LazyAOFWriter) loop() {
	defer lw.wg.Done()

	flush := time.NewTicker(lw.cfg.FlushInterval)
	defer flush.Stop()
	syncTick := time.NewTicker(lw.cfg.SyncInterval)
	defer syncTick.Stop()

	for {
		select {
		case <-lw.stopCh:
			return
		case <-flush.C:
			if err := lw.Flush(); err != nil {
				slog.Error("periodic AOF flush failed", "error", err)
			}
		case <-syncTick.C:
			if err := lw.Sync(); err != nil {
				slog.Error("periodic AOF sync failed", "error", err)
			}
		}
	}
}
