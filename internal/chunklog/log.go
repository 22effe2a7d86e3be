package chunklog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DefaultMaxChunkSize is the spec's default of 256 MiB.
const DefaultMaxChunkSize = 256 << 20

// TruncationReport describes bytes discarded from a torn write found
// while opening the active chunk. It is delivered out-of-band (§4.A) via
// Open's returned report slice, never surfaced to callers as an
// error.
type TruncationReport struct {
	Chunk        uint32
	FromOffset   int64
	DiscardedLen int64
}

// Log is the append-only, chunked transaction log.
type Log struct {
	dir         string
	maxChunkSize int64

	mu     sync.Mutex
	chunks []*chunk // ordered by chunk number, chunks[len-1] is active
}

// Open opens (or creates) the chunked log rooted at dir, repairing any
// torn write left by a previous unclean shutdown by truncating the
// active chunk at the first invalid frame.
func Open(dir string, maxChunkSize int64) (*Log, []TruncationReport, error) {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	l := &Log{dir: dir, maxChunkSize: maxChunkSize}

	entries, err := chunkFilesSorted(dir)
	if err != nil {
		return nil, nil, err
	}

	var reports []TruncationReport
	for i, path := range entries {
		c, _, footer, err := openChunk(path)
		if err != nil {
			return nil, nil, fmt.Errorf("chunklog: open %s: %w", path, err)
		}
		c.maxSize = maxChunkSize
		if footer == nil && i == len(entries)-1 {
			// Active chunk: scan forward, truncate at first torn frame.
			report, err := repairActiveChunk(c)
			if err != nil {
				return nil, nil, err
			}
			if report != nil {
				reports = append(reports, *report)
			}
		}
		l.chunks = append(l.chunks, c)
	}

	if len(l.chunks) == 0 {
		c, err := createChunk(chunkPath(dir, 0), 0, 0, maxChunkSize)
		if err != nil {
			return nil, nil, err
		}
		l.chunks = append(l.chunks, c)
	}
	return l, reports, nil
}

func chunkPath(dir string, number uint32) string {
	return filepath.Join(dir, fmt.Sprintf("chunk-%06d.000", number))
}

func chunkFilesSorted(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "chunk-*"))
	if err != nil {
		return nil, err
	}
	// filepath.Glob returns lexically sorted results; chunk numbers are
	// zero-padded to 6 digits so lexical order is numeric order.
	return matches, nil
}

// repairActiveChunk scans the active chunk's record region forward,
// truncating at the first frame whose length prefixes disagree or whose
// bytes run past EOF.
func repairActiveChunk(c *chunk) (*TruncationReport, error) {
	info, err := c.file.Stat()
	if err != nil {
		return nil, err
	}
	totalRecordBytes := info.Size() - HeaderSize
	if totalRecordBytes <= 0 {
		return nil, nil
	}

	sr := io.NewSectionReader(c.file, HeaderSize, totalRecordBytes)
	var validUpTo int64
	for {
		_, _, n, err := readFrameForward(sr)
		if err != nil {
			break
		}
		validUpTo += int64(n)
	}

	c.writeOffset = validUpTo
	if validUpTo == totalRecordBytes {
		return nil, nil
	}
	discarded := totalRecordBytes - validUpTo
	if err := c.file.Truncate(HeaderSize + validUpTo); err != nil {
		return nil, err
	}
	return &TruncationReport{Chunk: c.number, FromOffset: validUpTo, DiscardedLen: discarded}, nil
}

func (l *Log) active() *chunk { return l.chunks[len(l.chunks)-1] }

// Append frames one logical record payload (see EncodePrepare /
// EncodeCommit and frame in record.go) and writes it to the active
// chunk, rolling to a new chunk first if it would not fit, and returns
// the global log position it was written at.
func (l *Log) Append(recType RecordType, payload []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	framed := frame(recType, payload)
	active := l.active()
	if active.remaining() < int64(len(framed)) {
		if err := l.completeActiveLocked(); err != nil {
			return 0, err
		}
		active = l.active()
	}
	return active.append(framed)
}

// CompleteActiveChunk seals the current active chunk and opens a new,
// empty one to become the new active chunk.
func (l *Log) CompleteActiveChunk() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completeActiveLocked()
}

func (l *Log) completeActiveLocked() error {
	active := l.active()
	if err := active.seal(); err != nil {
		return err
	}
	next := active.logicalStart + active.writeOffset
	nc, err := createChunk(chunkPath(l.dir, active.number+1), active.number+1, next, l.maxChunkSize)
	if err != nil {
		return err
	}
	l.chunks = append(l.chunks, nc)
	return nil
}

// Flush issues an fsync of the active chunk's file.
func (l *Log) Flush() error {
	l.mu.Lock()
	active := l.active()
	l.mu.Unlock()
	return active.flush()
}

// Tail returns the current write position: the position just past the
// last written record.
func (l *Log) Tail() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	active := l.active()
	return active.logicalStart + active.writeOffset
}

// Close closes all chunk files. It does not fsync them; Flush does.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, c := range l.chunks {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Log) chunkFor(pos int64) (*chunk, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.chunks {
		end := c.logicalStart + c.maxSize
		if c.complete {
			end = c.logicalStart + c.writeOffset
		}
		if pos >= c.logicalStart && pos < end {
			return c, true
		}
	}
	return nil, false
}

// ReadRecord reads the single framed record starting exactly at
// position pos and returns its type, payload, and the position just
// past it.
func (l *Log) ReadRecord(pos int64) (RecordType, []byte, int64, error) {
	c, ok := l.chunkFor(pos)
	if !ok {
		return 0, nil, 0, fmt.Errorf("chunklog: position %d out of range", pos)
	}
	c.mu.Lock()
	offsetInChunk := pos - c.logicalStart
	section := io.NewSectionReader(c.file, int64(HeaderSize)+offsetInChunk, c.maxSize)
	recType, payload, n, err := readFrameForward(section)
	c.mu.Unlock()
	if err != nil {
		return 0, nil, 0, err
	}
	return recType, payload, pos + int64(n), nil
}

// ScanForward calls fn for every record starting at or after from, in
// log order, until fn returns false or the log tail is reached.
func (l *Log) ScanForward(from int64, fn func(recType RecordType, payload []byte, pos int64) bool) error {
	pos := from
	tail := l.Tail()
	for pos < tail {
		recType, payload, next, err := l.ReadRecord(pos)
		if err != nil {
			return err
		}
		if !fn(recType, payload, pos) {
			return nil
		}
		pos = next
	}
	return nil
}

// ScanBackward calls fn for every record at or before from, in reverse
// log order, until fn returns false or the start of the log is reached.
// It relies on the symmetric length-prefix trailer to walk backward.
func (l *Log) ScanBackward(from int64, fn func(recType RecordType, payload []byte, pos int64) bool) error {
	pos := from
	for pos > 0 {
		c, ok := l.chunkFor(pos - 1)
		if !ok {
			return nil
		}
		c.mu.Lock()
		trailerOff := int64(HeaderSize) + (pos - 1 - c.logicalStart) - lengthPrefixSize + 1
		var lenBuf [lengthPrefixSize]byte
		if _, err := c.file.ReadAt(lenBuf[:], trailerOff); err != nil {
			c.mu.Unlock()
			return err
		}
		bodyLen := int64(beUint32(lenBuf[:]))
		recordStart := trailerOff - bodyLen - lengthPrefixSize
		total := make([]byte, lengthPrefixSize+bodyLen+lengthPrefixSize)
		if _, err := c.file.ReadAt(total, recordStart); err != nil {
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()

		body := total[lengthPrefixSize : lengthPrefixSize+bodyLen]
		recType := RecordType(body[0])
		payload := body[1:]
		recordPos := c.logicalStart + (recordStart - HeaderSize)
		if !fn(recType, payload, recordPos) {
			return nil
		}
		pos = recordPos
	}
	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
