package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sanonone/flockstore/pkg/core"
	"github.com/sanonone/flockstore/pkg/metrics"
	"github.com/sanonone/flockstore/pkg/persistence"
)

// encodeMutation renders m as a log command.
func encodeMutation(m core.Mutation) string {
	src := []byte(strconv.FormatInt(m.Edge.SourceID, 10))
	graph := []byte(m.Edge.Graph)
	at := []byte(strconv.FormatInt(m.At, 10))
	switch m.Op {
	case core.OpAdd, core.OpRemove:
		name := persistence.CmdAdd
		if m.Op == core.OpRemove {
			name = persistence.CmdRemove
		}
		return persistence.FormatCommand(name, src, graph, []byte(strconv.FormatInt(m.Edge.DestinationID, 10)), at)
	case core.OpArchive:
		return persistence.FormatCommand(persistence.CmdArchive, src, graph, at)
	default:
		return persistence.FormatCommand(persistence.CmdUnarchive, src, graph, at)
	}
}

// decodeMutation parses EADD/EREM/EARCHIVE/EUNARCHIVE.
func decodeMutation(cmd *persistence.Command) (core.Mutation, error) {
	var m core.Mutation
	switch cmd.Name {
	case persistence.CmdAdd, persistence.CmdRemove:
		m.Op = core.OpAdd
		if cmd.Name == persistence.CmdRemove {
			m.Op = core.OpRemove
		}
		ints, err := parseInts(cmd.Args, 4, 0, 2, 3)
		if err != nil {
			return m, err
		}
		m.Edge = core.Edge{SourceID: ints[0], Graph: string(cmd.Args[1]), DestinationID: ints[1]}
		m.At = ints[2]
	case persistence.CmdArchive, persistence.CmdUnarchive:
		m.Op = core.OpArchive
		if cmd.Name == persistence.CmdUnarchive {
			m.Op = core.OpUnarchive
		}
		ints, err := parseInts(cmd.Args, 3, 0, 2)
		if err != nil {
			return m, err
		}
		m.Edge = core.Edge{SourceID: ints[0], Graph: string(cmd.Args[1])}
		m.At = ints[1]
	default:
		return m, fmt.Errorf("unknown command %q", cmd.Name)
	}
	return m, nil
}

// parseInts checks the argument count and parses the args at the given positions.
func parseInts(args [][]byte, want int, positions ...int) ([]int64, error) {
	if len(args) != want {
		return nil, fmt.Errorf("expected %d arguments, got %d", want, len(args))
	}
	out := make([]int64, len(positions))
	for i, p := range positions {
		v, err := strconv.ParseInt(string(args[p]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

// loadSnapshot restores the store from the snapshot file, if any.
func (e *Engine) loadSnapshot() error {
	f, err := os.Open(e.snapPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	var maxAt int64
	stats, err := persistence.ReadSnapshot(f,
		func(r core.Row) {
			e.Store.RestoreRow(r)
			maxAt = max(maxAt, r.At)
		},
		func(p core.PairState) {
			e.Store.RestorePair(p)
			maxAt = max(maxAt, p.UpdatedAt)
		},
	)
	if err != nil {
		return fmt.Errorf("failed to load snapshot %s: %w", e.snapPath, err)
	}
	e.clock.Observe(maxAt)
	slog.Info("snapshot loaded", "rows", stats.Rows, "pairs", stats.Pairs, "created_at", stats.CreatedAt)
	return nil
}

// replayAOF applies the log on top of the loaded snapshot. Stamps make the
// replay order-independent. A torn tail from a crash is cut off; any other
// parse failure stops the replay with ErrCorruptAOF and leaves the file as is.
func (e *Engine) replayAOF() error {
	file, err := os.Open(e.aofPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var applied, skipped int
	var maxAt, goodOffset int64

	for {
		cmd, err := persistence.ParseCommand(reader)
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// A crash mid-append. Cut the torn tail so new appends stay parseable.
			slog.Warn("AOF ends with a partial command, truncating tail", "error", err, "offset", goodOffset)
			if terr := os.Truncate(e.aofPath, goodOffset); terr != nil {
				return fmt.Errorf("failed to truncate torn AOF tail: %w", terr)
			}
			break
		}
		if err != nil {
			// Anything else is damage in the middle of the log; leave the file
			// alone so it can be inspected and repaired.
			return fmt.Errorf("%w: %s at offset %d: %v", ErrCorruptAOF, e.aofPath, goodOffset, err)
		}
		if pos, serr := file.Seek(0, io.SeekCurrent); serr == nil {
			goodOffset = pos - int64(reader.Buffered())
		}

		switch cmd.Name {
		case persistence.CmdRow:
			ints, perr := parseInts(cmd.Args, 6, 0, 2, 3, 4, 5)
			if perr != nil {
				slog.Warn("skipping malformed AOF entry", "command", cmd.Name, "error", perr)
				skipped++
				continue
			}
			e.Store.RestoreRow(core.Row{
				Edge:     core.Edge{SourceID: ints[0], Graph: string(cmd.Args[1]), DestinationID: ints[1]},
				Position: ints[2],
				At:       ints[3],
				State:    core.State(ints[4]),
			})
			maxAt = max(maxAt, ints[3])
		case persistence.CmdPair:
			ints, perr := parseInts(cmd.Args, 5, 0, 2, 3, 4)
			if perr != nil {
				slog.Warn("skipping malformed AOF entry", "command", cmd.Name, "error", perr)
				skipped++
				continue
			}
			e.Store.RestorePair(core.PairState{
				SourceID:  ints[0],
				Graph:     string(cmd.Args[1]),
				State:     core.State(ints[1]),
				StateAt:   ints[2],
				UpdatedAt: ints[3],
			})
			maxAt = max(maxAt, ints[3])
		default:
			m, derr := decodeMutation(cmd)
			if derr != nil {
				slog.Warn("skipping malformed AOF entry", "command", cmd.Name, "error", derr)
				skipped++
				continue
			}
			if _, aerr := e.Store.Apply(m); aerr != nil {
				// e.g. a graph removed from the allowlist since the write
				slog.Warn("skipping AOF entry", "mutation", m.Edge.String(), "error", aerr)
				skipped++
				continue
			}
			maxAt = max(maxAt, m.At)
		}
		applied++
	}

	e.clock.Observe(maxAt)
	if applied > 0 || skipped > 0 {
		slog.Info("AOF replayed", "applied", applied, "skipped", skipped)
	}
	return nil
}

// SaveSnapshot writes a consistent snapshot and truncates the AOF.
// Writers are paused for the duration.
func (e *Engine) SaveSnapshot() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	e.gate.Lock()
	defer e.gate.Unlock()
	if e.isClosed.Load() {
		return ErrClosed
	}
	return e.saveSnapshotLocked()
}

// saveSnapshotLocked requires adminMu and the exclusive gate.
func (e *Engine) saveSnapshotLocked() error {
	// 1. Everything logged must be in memory before we iterate.
	if e.queue != nil {
		if err := e.queue.drain(context.Background()); err != nil {
			return err
		}
	}

	// 2. Write to a temp file, then swap.
	tempSnap := e.snapPath + ".tmp"
	f, err := os.Create(tempSnap)
	if err != nil {
		return err
	}
	defer os.Remove(tempSnap)

	sw, err := persistence.NewSnapshotWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if err := e.Store.Iterate(sw.WriteRow, sw.WritePair); err != nil {
		f.Close()
		return fmt.Errorf("snapshot write failed: %w", err)
	}
	stats, err := sw.Close()
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempSnap, e.snapPath); err != nil {
		return err
	}

	// 3. The snapshot now covers the whole log.
	if err := e.AOF.Truncate(); err != nil {
		return err
	}
	e.aofBaseSize.Store(0)
	e.dirtyCounter.Store(0)
	e.lastSaveTime.Store(time.Now().UnixNano())

	slog.Info("snapshot saved", "path", e.snapPath, "rows", stats.Rows, "pairs", stats.Pairs)
	return nil
}

// RewriteAOF replaces the log with the minimal set of commands that rebuilds
// the current state, one EROW per row and one EPAIR per tracked pair.
func (e *Engine) RewriteAOF() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	e.gate.Lock()
	defer e.gate.Unlock()
	if e.isClosed.Load() {
		return ErrClosed
	}

	if e.queue != nil {
		if err := e.queue.drain(context.Background()); err != nil {
			return err
		}
	}

	tempAof := filepath.Join(e.opts.DataDir, "rewrite.tmp")
	f, err := os.Create(tempAof)
	if err != nil {
		return err
	}
	defer os.Remove(tempAof)

	w := bufio.NewWriterSize(f, 256*1024)
	itoa := func(v int64) []byte { return []byte(strconv.FormatInt(v, 10)) }

	err = e.Store.Iterate(
		func(r core.Row) error {
			_, err := w.WriteString(persistence.FormatCommand(persistence.CmdRow,
				itoa(r.Edge.SourceID), []byte(r.Edge.Graph), itoa(r.Edge.DestinationID),
				itoa(r.Position), itoa(r.At), itoa(int64(r.State))))
			return err
		},
		func(p core.PairState) error {
			_, err := w.WriteString(persistence.FormatCommand(persistence.CmdPair,
				itoa(p.SourceID), []byte(p.Graph), itoa(int64(p.State)), itoa(p.StateAt), itoa(p.UpdatedAt)))
			return err
		},
	)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("AOF rewrite failed: %w", err)
	}

	// Pending buffered writes are already in memory and in the rewrite.
	if err := e.AOF.ReplaceWith(tempAof); err != nil {
		return err
	}
	if size, err := e.AOF.Size(); err == nil {
		e.aofBaseSize.Store(size)
	}
	slog.Info("AOF rewritten", "path", e.aofPath, "size", e.aofBaseSize.Load())
	return nil
}

// Vacuum purges tombstones older than TombstoneTTL. A zero TTL disables it.
// It returns the number of purged rows.
func (e *Engine) Vacuum() int {
	if e.opts.TombstoneTTL <= 0 || e.isClosed.Load() {
		return 0
	}
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	before := time.Now().Add(-e.opts.TombstoneTTL).UnixNano()
	purged := e.Store.Vacuum(before)
	if purged > 0 {
		metrics.TombstonesPurgedTotal.Add(float64(purged))
		slog.Info("tombstones vacuumed", "purged", purged)
	}
	return purged
}
