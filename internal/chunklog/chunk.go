package chunklog

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// ChunkMagic identifies a chunk file, per spec §6.
const ChunkMagic uint32 = 0xE57DA7A1

// HeaderSize and FooterSize are fixed, per spec §6.
const (
	HeaderSize = 128
	FooterSize = 128
)

const chunkVersion = 1

// ChunkHeader is the fixed-size header written at chunk creation.
type ChunkHeader struct {
	Magic         uint32
	Version       uint8
	ChunkType     uint8
	ChunkNumber   uint32
	LogicalStart  int64
	LogicalEnd    int64
	PhysicalSize  uint64
}

func encodeHeader(h ChunkHeader) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.ChunkType
	binary.BigEndian.PutUint32(buf[8:12], h.ChunkNumber)
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.LogicalStart))
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.LogicalEnd))
	binary.BigEndian.PutUint64(buf[28:36], h.PhysicalSize)
	return buf
}

func decodeHeader(buf []byte) (ChunkHeader, error) {
	if len(buf) < HeaderSize {
		return ChunkHeader{}, fmt.Errorf("chunklog: short chunk header")
	}
	h := ChunkHeader{
		Magic:        binary.BigEndian.Uint32(buf[0:4]),
		Version:      buf[4],
		ChunkType:    buf[5],
		ChunkNumber:  binary.BigEndian.Uint32(buf[8:12]),
		LogicalStart: int64(binary.BigEndian.Uint64(buf[12:20])),
		LogicalEnd:   int64(binary.BigEndian.Uint64(buf[20:28])),
		PhysicalSize: binary.BigEndian.Uint64(buf[28:36]),
	}
	if h.Magic != ChunkMagic {
		return ChunkHeader{}, fmt.Errorf("chunklog: bad chunk magic %x", h.Magic)
	}
	return h, nil
}

// ChunkFooter is written once a chunk is completed and becomes
// immutable and read-only, a candidate for scavenge.
type ChunkFooter struct {
	IsComplete  bool
	Hash        [32]byte
	RecordCount uint32
}

func encodeFooter(f ChunkFooter) []byte {
	buf := make([]byte, FooterSize)
	if f.IsComplete {
		buf[0] = 1
	}
	copy(buf[1:33], f.Hash[:])
	binary.BigEndian.PutUint32(buf[33:37], f.RecordCount)
	return buf
}

func decodeFooter(buf []byte) (ChunkFooter, bool, error) {
	if len(buf) < FooterSize {
		return ChunkFooter{}, false, fmt.Errorf("chunklog: short chunk footer")
	}
	if buf[0] == 0 {
		return ChunkFooter{}, false, nil
	}
	var f ChunkFooter
	f.IsComplete = true
	copy(f.Hash[:], buf[1:33])
	f.RecordCount = binary.BigEndian.Uint32(buf[33:37])
	return f, true, nil
}

// chunk is one on-disk segment of the transaction log.
type chunk struct {
	mu sync.Mutex

	number       uint32
	maxSize      int64
	file         *os.File
	logicalStart int64 // log position of this chunk's first byte
	writeOffset  int64 // bytes written after the header so far
	recordCount  uint32
	complete     bool
}

func createChunk(path string, number uint32, logicalStart, maxSize int64) (*chunk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	hdr := encodeHeader(ChunkHeader{
		Magic:        ChunkMagic,
		Version:      chunkVersion,
		ChunkNumber:  number,
		LogicalStart: logicalStart,
		LogicalEnd:   -1,
	})
	if _, err := f.WriteAt(hdr, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &chunk{number: number, maxSize: maxSize, file: f, logicalStart: logicalStart}, nil
}

func openChunk(path string) (*chunk, ChunkHeader, *ChunkFooter, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, ChunkHeader{}, nil, err
	}
	hdrBuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		_ = f.Close()
		return nil, ChunkHeader{}, nil, err
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		_ = f.Close()
		return nil, ChunkHeader{}, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, ChunkHeader{}, nil, err
	}

	c := &chunk{number: hdr.ChunkNumber, file: f, logicalStart: hdr.LogicalStart}

	// Only a sealed chunk has its logical end recorded in the header; an
	// active chunk keeps -1 there and never carries a footer.
	if hdr.LogicalEnd >= 0 && info.Size() >= int64(HeaderSize+FooterSize) {
		footerBuf := make([]byte, FooterSize)
		if _, err := f.ReadAt(footerBuf, info.Size()-FooterSize); err == nil {
			if footer, ok, ferr := decodeFooter(footerBuf); ferr == nil && ok {
				c.complete = true
				c.recordCount = footer.RecordCount
				c.writeOffset = info.Size() - HeaderSize - FooterSize
				return c, hdr, &footer, nil
			}
		}
	}
	c.writeOffset = info.Size() - HeaderSize
	if c.writeOffset < 0 {
		c.writeOffset = 0
	}
	return c, hdr, nil, nil
}

// append writes one already-framed record and returns the logical
// position (relative to the whole log) at which it begins.
func (c *chunk) append(framed []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete {
		return 0, fmt.Errorf("chunklog: chunk %d is sealed", c.number)
	}
	pos := c.logicalStart + c.writeOffset
	if _, err := c.file.WriteAt(framed, int64(HeaderSize)+c.writeOffset); err != nil {
		return 0, err
	}
	c.writeOffset += int64(len(framed))
	c.recordCount++
	return pos, nil
}

func (c *chunk) remaining() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize - c.writeOffset
}

func (c *chunk) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Sync()
}

// seal writes the footer, marking the chunk immutable.
func (c *chunk) seal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete {
		return nil
	}
	recordBytes := make([]byte, c.writeOffset)
	if _, err := c.file.ReadAt(recordBytes, HeaderSize); err != nil {
		return fmt.Errorf("chunklog: read records for seal: %w", err)
	}
	footer := ChunkFooter{IsComplete: true, Hash: contentHash(recordBytes), RecordCount: c.recordCount}
	if _, err := c.file.WriteAt(encodeFooter(footer), int64(HeaderSize)+c.writeOffset); err != nil {
		return err
	}
	logicalEnd := c.logicalStart + c.writeOffset
	var endBuf [8]byte
	binary.BigEndian.PutUint64(endBuf[:], uint64(logicalEnd))
	if _, err := c.file.WriteAt(endBuf[:], 20); err != nil {
		return err
	}
	if err := c.file.Sync(); err != nil {
		return err
	}
	c.complete = true
	return nil
}

// verify recomputes the footer hash and compares it against the stored
// one, returning ErrChecksumMismatch-shaped detail on mismatch.
func (c *chunk) verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.complete {
		return nil
	}
	info, err := c.file.Stat()
	if err != nil {
		return err
	}
	footerBuf := make([]byte, FooterSize)
	if _, err := c.file.ReadAt(footerBuf, info.Size()-FooterSize); err != nil {
		return err
	}
	footer, ok, err := decodeFooter(footerBuf)
	if err != nil || !ok {
		return fmt.Errorf("chunklog: chunk %d missing footer", c.number)
	}
	recordBytes := make([]byte, info.Size()-HeaderSize-FooterSize)
	if _, err := c.file.ReadAt(recordBytes, HeaderSize); err != nil {
		return err
	}
	if contentHash(recordBytes) != footer.Hash {
		return fmt.Errorf("chunklog: chunk %d checksum mismatch", c.number)
	}
	return nil
}

func (c *chunk) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}
