// Package engine provides the durable, embeddable flockstore database.
//
// It couples the in-memory edge relation (core.EdgeStore) with the on-disk
// persistence layer (append-only log and snapshot) and runs the background
// maintenance that keeps both compact.
//
// Basic usage:
//
//	opts := engine.DefaultOptions("./data")
//	db, err := engine.Open(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.Add(ctx, 5, "follow", 9)
//	ids, err := db.Get(ctx, core.Query{Source: core.ID(5), Graph: "follow"})
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanonone/flockstore/pkg/core"
	"github.com/sanonone/flockstore/pkg/metrics"
	"github.com/sanonone/flockstore/pkg/persistence"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")
	// ErrConvergenceTimeout is returned by Converge when accepted writes are
	// not all visible within the configured bound.
	ErrConvergenceTimeout = errors.New("writes did not converge in time")
	// ErrCorruptAOF is returned by Open when the log is damaged before its
	// last command. The file is not modified.
	ErrCorruptAOF = errors.New("corrupt AOF")
)

// WriteMode selects when an accepted write becomes visible to readers.
type WriteMode string

const (
	// WriteSync applies every write before the call returns (read-after-write).
	WriteSync WriteMode = "sync"
	// WriteAsync logs the write, queues it and returns. It becomes visible
	// once a worker applies it; Converge waits for that.
	WriteAsync WriteMode = "async"
)

// Options configures the Engine.
type Options struct {
	// DataDir holds the log and snapshot. Created if missing.
	DataDir string

	// AofFilename is the name of the append-only log (default "flockstore.aof").
	// The snapshot lives next to it with the ".snap" extension.
	AofFilename string

	// AutoSaveInterval and AutoSaveThreshold together trigger snapshots:
	// a snapshot is taken once both the interval has elapsed and at least
	// AutoSaveThreshold writes happened. Zero disables auto-save.
	AutoSaveInterval  time.Duration
	AutoSaveThreshold int64

	// AofRewritePercentage rewrites the log once it grows by this percentage
	// over its size after the last rewrite. Zero disables rewrites.
	AofRewritePercentage int

	// MaintenanceInterval is how often tombstones are vacuumed.
	MaintenanceInterval time.Duration

	// TombstoneTTL is how long removed rows are kept to reject stale writes.
	TombstoneTTL time.Duration

	// FlushOnWrite hands every write to the OS before acknowledging it.
	FlushOnWrite bool

	// WriteMode, WriteWorkers and WriteQueueSize configure write visibility.
	WriteMode      WriteMode
	WriteWorkers   int
	WriteQueueSize int

	// ConvergenceTimeout bounds how long Converge waits.
	ConvergenceTimeout time.Duration

	// QueryConcurrency bounds the fan-out of GetAll.
	QueryConcurrency int

	// Graphs, when non-empty, restricts the accepted graph names.
	Graphs []string

	// Shards is the number of lock stripes of the edge store.
	Shards int

	// Lazy tunes the batching of the append-only log.
	Lazy persistence.LazyConfig
}

// DefaultOptions returns a configuration suitable for most use cases:
// synchronous writes flushed on every call, auto-save every 60s if at least
// 1000 writes happened, log rewrite at 100% growth, hourly vacuum of
// tombstones older than a day.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:              dataDir,
		AofFilename:          "flockstore.aof",
		AutoSaveInterval:     60 * time.Second,
		AutoSaveThreshold:    1000,
		AofRewritePercentage: 100,
		MaintenanceInterval:  time.Hour,
		TombstoneTTL:         24 * time.Hour,
		FlushOnWrite:         true,
		WriteMode:            WriteSync,
		WriteWorkers:         4,
		WriteQueueSize:       4096,
		ConvergenceTimeout:   5 * time.Second,
		QueryConcurrency:     16,
		Shards:               core.DefaultShards,
		Lazy:                 persistence.DefaultLazyConfig(),
	}
}

// Engine is the main entry point of flockstore.
// Use Open to create one and Close to shut it down.
type Engine struct {
	// Store is the in-memory relation. Reads through it are safe; writes must
	// go through Engine methods so they reach the log.
	Store *core.EdgeStore

	// AOF is the batched append-only log.
	AOF *persistence.LazyAOFWriter

	opts     Options
	aofPath  string
	snapPath string
	clock    *clock
	queue    *writeQueue

	aofBaseSize  atomic.Int64
	dirtyCounter atomic.Int64
	lastSaveTime atomic.Int64

	// gate is held shared by writers and exclusively by snapshot and
	// rewrite, so the log never loses a write that the snapshot missed.
	gate sync.RWMutex
	// adminMu serializes snapshot, rewrite and vacuum.
	adminMu sync.Mutex

	isClosed  atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open initializes an Engine:
// 1. creates DataDir if missing,
// 2. loads the latest snapshot if present,
// 3. replays the append-only log,
// 4. starts the write workers (async mode) and background maintenance.
func Open(opts Options) (*Engine, error) {
	def := DefaultOptions(opts.DataDir)
	if opts.AofFilename == "" {
		opts.AofFilename = def.AofFilename
	}
	if opts.WriteMode == "" {
		opts.WriteMode = WriteSync
	}
	if opts.WriteMode != WriteSync && opts.WriteMode != WriteAsync {
		return nil, fmt.Errorf("unknown write mode %q", opts.WriteMode)
	}
	if opts.WriteWorkers <= 0 {
		opts.WriteWorkers = def.WriteWorkers
	}
	if opts.WriteQueueSize <= 0 {
		opts.WriteQueueSize = def.WriteQueueSize
	}
	if opts.ConvergenceTimeout <= 0 {
		opts.ConvergenceTimeout = def.ConvergenceTimeout
	}
	if opts.QueryConcurrency <= 0 {
		opts.QueryConcurrency = def.QueryConcurrency
	}

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	aofPath := filepath.Join(opts.DataDir, opts.AofFilename)
	e := &Engine{
		Store:    core.NewEdgeStore(core.Config{Shards: opts.Shards, Graphs: opts.Graphs}),
		opts:     opts,
		aofPath:  aofPath,
		snapPath: strings.TrimSuffix(aofPath, filepath.Ext(aofPath)) + ".snap",
		clock:    &clock{},
		closed:   make(chan struct{}),
	}
	e.lastSaveTime.Store(time.Now().UnixNano())

	// 1. Snapshot
	if err := e.loadSnapshot(); err != nil {
		return nil, err
	}

	// 2. Replay the log on top of the snapshot
	if err := e.replayAOF(); err != nil {
		return nil, fmt.Errorf("failed to replay AOF: %w", err)
	}

	aofWriter, err := persistence.NewAOFWriter(aofPath)
	if err != nil {
		return nil, err
	}
	e.AOF = persistence.NewLazyAOFWriterWithConfig(aofWriter, opts.Lazy)
	if size, err := e.AOF.Size(); err == nil {
		e.aofBaseSize.Store(size)
	}

	for graph, n := range e.Store.LiveByGraph() {
		metrics.LiveEdges.WithLabelValues(graph).Set(float64(n))
	}

	// 3. Workers and maintenance
	if opts.WriteMode == WriteAsync {
		e.queue = newWriteQueue(opts.WriteWorkers, opts.WriteQueueSize, e.apply)
	}
	e.wg.Add(1)
	go e.backgroundTasks()

	slog.Info("engine opened",
		"data_dir", opts.DataDir,
		"write_mode", opts.WriteMode,
		"graphs", opts.Graphs,
	)
	return e, nil
}

// Close stops background tasks, applies every queued write and closes the
// log. It is safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.isClosed.Store(true)
		close(e.closed)
		e.wg.Wait()

		// Wait for in-flight writers, then drain the queue.
		e.gate.Lock()
		if e.queue != nil {
			e.queue.close()
		}
		e.gate.Unlock()

		if e.AOF != nil {
			err = e.AOF.Close()
		}
	})
	return err
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) backgroundTasks() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	interval := e.opts.MaintenanceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	vacuumTicker := time.NewTicker(interval)
	defer vacuumTicker.Stop()

	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			e.checkMaintenance()
		case <-vacuumTicker.C:
			e.Vacuum()
		}
	}
}

// checkMaintenance evaluates the snapshot and rewrite policies.
func (e *Engine) checkMaintenance() {
	dirty := e.dirtyCounter.Load()
	lastSave := time.Unix(0, e.lastSaveTime.Load())

	if e.opts.AutoSaveThreshold > 0 && e.opts.AutoSaveInterval > 0 {
		if dirty >= e.opts.AutoSaveThreshold && time.Since(lastSave) >= e.opts.AutoSaveInterval {
			if err := e.SaveSnapshot(); err != nil {
				slog.Error("background snapshot failed", "error", err)
			}
		}
	}

	if e.opts.AofRewritePercentage > 0 {
		size, err := e.AOF.Size()
		if err != nil {
			return
		}
		base := e.aofBaseSize.Load()
		threshold := base + base*int64(e.opts.AofRewritePercentage)/100
		// tiny logs are not worth rewriting
		if threshold < 1<<20 {
			threshold = 1 << 20
		}
		if size > threshold {
			if err := e.RewriteAOF(); err != nil {
				slog.Error("background AOF rewrite failed", "error", err)
			}
		}
	}
}
