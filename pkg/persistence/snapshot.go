package persistence

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/sanonone/flockstore/pkg/core"
)

// SnapshotVersion is written in the header frame.
const SnapshotVersion uint16 = 1

var errShortPayload = errors.New("short payload")

// SnapshotStats summarizes a written or loaded snapshot.
type SnapshotStats struct {
	Rows      int
	Pairs     int
	CreatedAt time.Time
}

// SnapshotWriter streams edge rows and pair states as frames.
// Layout: header, any number of row/pair frames, end frame with counts.
type SnapshotWriter struct {
	bw    *bufio.Writer
	fw    *FrameWriter
	buf   []byte
	stats SnapshotStats
}

// NewSnapshotWriter writes the header frame to w.
func NewSnapshotWriter(w io.Writer) (*SnapshotWriter, error) {
	bw := bufio.NewWriterSize(w, 256*1024)
	sw := &SnapshotWriter{
		bw:    bw,
		fw:    NewFrameWriter(bw),
		buf:   make([]byte, 0, 64),
		stats: SnapshotStats{CreatedAt: time.Now()},
	}

	hdr := binary.LittleEndian.AppendUint16(nil, SnapshotVersion)
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(sw.stats.CreatedAt.UnixNano()))
	if err := sw.fw.WriteFrame(OpCodeSnapshotHeader, hdr); err != nil {
		return nil, err
	}
	return sw, nil
}

// WriteRow appends one forward edge row.
func (sw *SnapshotWriter) WriteRow(r core.Row) error {
	if len(r.Edge.Graph) > math.MaxUint16 {
		return fmt.Errorf("graph name too long: %d bytes", len(r.Edge.Graph))
	}
	b := sw.buf[:0]
	b = binary.LittleEndian.AppendUint64(b, uint64(r.Edge.SourceID))
	b = binary.LittleEndian.AppendUint64(b, uint64(r.Edge.DestinationID))
	b = binary.LittleEndian.AppendUint64(b, uint64(r.Position))
	b = binary.LittleEndian.AppendUint64(b, uint64(r.At))
	b = append(b, byte(r.State))
	b = appendString(b, r.Edge.Graph)
	sw.buf = b
	if err := sw.fw.WriteFrame(OpCodeEdgeRow, b); err != nil {
		return err
	}
	sw.stats.Rows++
	return nil
}

// WritePair appends the lifecycle of one tracked pair.
func (sw *SnapshotWriter) WritePair(p core.PairState) error {
	if len(p.Graph) > math.MaxUint16 {
		return fmt.Errorf("graph name too long: %d bytes", len(p.Graph))
	}
	b := sw.buf[:0]
	b = binary.LittleEndian.AppendUint64(b, uint64(p.SourceID))
	b = binary.LittleEndian.AppendUint64(b, uint64(p.StateAt))
	b = binary.LittleEndian.AppendUint64(b, uint64(p.UpdatedAt))
	b = append(b, byte(p.State))
	b = appendString(b, p.Graph)
	sw.buf = b
	if err := sw.fw.WriteFrame(OpCodePairState, b); err != nil {
		return err
	}
	sw.stats.Pairs++
	return nil
}

// Close writes the end frame and flushes. It does not close the underlying writer.
func (sw *SnapshotWriter) Close() (SnapshotStats, error) {
	end := binary.LittleEndian.AppendUint64(nil, uint64(sw.stats.Rows))
	end = binary.LittleEndian.AppendUint64(end, uint64(sw.stats.Pairs))
	if err := sw.fw.WriteFrame(OpCodeSnapshotEnd, end); err != nil {
		return sw.stats, err
	}
	return sw.stats, sw.bw.Flush()
}

// ReadSnapshot decodes a snapshot, calling rowFn and pairFn for each record.
// A snapshot without its end frame, or whose counts disagree with the end
// frame, is rejected.
func ReadSnapshot(r io.Reader, rowFn func(core.Row), pairFn func(core.PairState)) (SnapshotStats, error) {
	br := bufio.NewReaderSize(r, 256*1024)
	var stats SnapshotStats

	op, payload, err := ReadFrame(br)
	if err != nil {
		return stats, fmt.Errorf("snapshot header: %w", err)
	}
	if op != OpCodeSnapshotHeader || len(payload) < 10 {
		return stats, fmt.Errorf("snapshot header: unexpected frame 0x%02x", op)
	}
	if v := binary.LittleEndian.Uint16(payload); v != SnapshotVersion {
		return stats, fmt.Errorf("unsupported snapshot version %d", v)
	}
	stats.CreatedAt = time.Unix(0, int64(binary.LittleEndian.Uint64(payload[2:])))

	for {
		op, payload, err := ReadFrame(br)
		if err == io.EOF {
			return stats, fmt.Errorf("snapshot truncated: %w", ErrIncompleteFrame)
		}
		if err != nil {
			return stats, err
		}

		switch op {
		case OpCodeEdgeRow:
			row, err := decodeRow(payload)
			if err != nil {
				return stats, fmt.Errorf("edge row %d: %w", stats.Rows, err)
			}
			rowFn(row)
			stats.Rows++
		case OpCodePairState:
			p, err := decodePair(payload)
			if err != nil {
				return stats, fmt.Errorf("pair %d: %w", stats.Pairs, err)
			}
			pairFn(p)
			stats.Pairs++
		case OpCodeSnapshotEnd:
			if len(payload) < 16 {
				return stats, fmt.Errorf("snapshot end: %w", errShortPayload)
			}
			rows := int(binary.LittleEndian.Uint64(payload))
			pairs := int(binary.LittleEndian.Uint64(payload[8:]))
			if rows != stats.Rows || pairs != stats.Pairs {
				return stats, fmt.Errorf("snapshot counts mismatch: end frame says %d rows %d pairs, read %d rows %d pairs",
					rows, pairs, stats.Rows, stats.Pairs)
			}
			return stats, nil
		default:
			return stats, fmt.Errorf("unknown snapshot frame 0x%02x", op)
		}
	}
}

func decodeRow(b []byte) (core.Row, error) {
	if len(b) < 33 {
		return core.Row{}, errShortPayload
	}
	graph, err := readString(b[33:])
	if err != nil {
		return core.Row{}, err
	}
	return core.Row{
		Edge: core.Edge{
			SourceID:      int64(binary.LittleEndian.Uint64(b[0:])),
			DestinationID: int64(binary.LittleEndian.Uint64(b[8:])),
			Graph:         graph,
		},
		Position: int64(binary.LittleEndian.Uint64(b[16:])),
		At:       int64(binary.LittleEndian.Uint64(b[24:])),
		State:    core.State(b[32]),
	}, nil
}

func decodePair(b []byte) (core.PairState, error) {
	if len(b) < 25 {
		return core.PairState{}, errShortPayload
	}
	graph, err := readString(b[25:])
	if err != nil {
		return core.PairState{}, err
	}
	return core.PairState{
		SourceID:  int64(binary.LittleEndian.Uint64(b[0:])),
		StateAt:   int64(binary.LittleEndian.Uint64(b[8:])),
		UpdatedAt: int64(binary.LittleEndian.Uint64(b[16:])),
		State:     core.State(b[24]),
		Graph:     graph,
	}, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func readString(b []byte) (string, error) {
	if len(b) < 2 {
		return "", errShortPayload
	}
	n := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+n {
		return "", errShortPayload
	}
	return string(b[2 : 2+n]), nil
}
