package hnsw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Snapshot binary layout:
//
//	header (28 bytes, little-endian, uncompressed):
//	  magic uint32, version uint32, codec uint8, pad [3]byte,
//	  dimension uint32, m uint32, efConstruction uint32, crc32 uint32
//	payload (codec-compressed):
//	  nodeCount, entryPoint, maxLevel, then per node
//	  (chunkID, level, vector, adjacency per layer), then the roaring
//	  tombstone bitmap.
//
// The CRC covers the compressed payload. A loader must reject a bad magic,
// an unknown version, a CRC mismatch, and any parameter combination that
// disagrees with what the caller expects.
const (
	snapshotMagic   = 0x48534753 // "SGSH" on disk
	snapshotVersion = 1
)

// Codec selects the snapshot payload compression.
type Codec uint8

const (
	// CodecRaw stores the payload uncompressed.
	CodecRaw Codec = iota
	// CodecZstd compresses with zstd (default).
	CodecZstd
	// CodecLZ4 compresses with the LZ4 frame format.
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

var (
	// ErrBadSnapshot is returned for truncated or corrupt snapshot data.
	ErrBadSnapshot = errors.New("hnsw: bad snapshot")

	// ErrSnapshotVersion is returned for an unsupported snapshot version.
	ErrSnapshotVersion = errors.New("hnsw: unsupported snapshot version")

	// ErrSnapshotMismatch is returned when snapshot parameters disagree
	// with the parameters the loader expects.
	ErrSnapshotMismatch = errors.New("hnsw: snapshot parameter mismatch")
)

type snapshotHeader struct {
	Magic          uint32
	Version        uint32
	Codec          uint8
	Pad            [3]byte
	Dimension      uint32
	M              uint32
	EFConstruction uint32
	CRC            uint32
}

// WriteSnapshot serializes the complete graph state. The caller owns
// atomic publication (write to a temporary location, then rename/publish):
// see the blobstore package.
func (h *Index) WriteSnapshot(w io.Writer, codec Codec) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var payload bytes.Buffer

	putU32 := func(v uint32) { _ = binary.Write(&payload, binary.LittleEndian, v) }
	putU16 := func(v uint16) { _ = binary.Write(&payload, binary.LittleEndian, v) }

	putU32(uint32(len(h.nodes)))
	putU32(h.entryPoint)
	putU32(uint32(h.maxLevel))

	for _, n := range h.nodes {
		if len(n.chunkID) > math.MaxUint16 {
			return fmt.Errorf("hnsw: chunk id too long for snapshot: %d bytes", len(n.chunkID))
		}
		putU16(uint16(len(n.chunkID)))
		payload.WriteString(n.chunkID)
		putU16(uint16(n.level))
		for _, f := range n.vector {
			putU32(math.Float32bits(f))
		}
		for _, conns := range n.conns {
			putU16(uint16(len(conns)))
			for _, c := range conns {
				putU32(c)
			}
		}
	}

	tomb, err := h.tombstones.ToBytes()
	if err != nil {
		return fmt.Errorf("hnsw: serialize tombstones: %w", err)
	}
	putU32(uint32(len(tomb)))
	payload.Write(tomb)

	compressed, err := compressPayload(payload.Bytes(), codec)
	if err != nil {
		return err
	}

	hdr := snapshotHeader{
		Magic:          snapshotMagic,
		Version:        snapshotVersion,
		Codec:          uint8(codec),
		Dimension:      uint32(h.opts.Dimension),
		M:              uint32(h.opts.M),
		EFConstruction: uint32(h.opts.EFConstruction),
		CRC:            crc32.ChecksumIEEE(compressed),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("hnsw: write snapshot header: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("hnsw: write snapshot payload: %w", err)
	}
	return nil
}

// ReadSnapshot reconstructs an index from snapshot data. Graph parameters
// (dimension, M, EFConstruction) come from the snapshot header; option
// functions state expectations and query-time settings. If an expectation
// (non-zero Dimension, M or EFConstruction) disagrees with the header the
// snapshot is rejected with ErrSnapshotMismatch.
func ReadSnapshot(r io.Reader, optFns ...func(o *Options)) (*Index, error) {
	var expect Options
	for _, fn := range optFns {
		fn(&expect)
	}

	var hdr snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrBadSnapshot, err)
	}
	if hdr.Magic != snapshotMagic {
		return nil, fmt.Errorf("%w: magic 0x%08x", ErrBadSnapshot, hdr.Magic)
	}
	if hdr.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrSnapshotVersion, hdr.Version)
	}
	if expect.Dimension != 0 && expect.Dimension != int(hdr.Dimension) {
		return nil, fmt.Errorf("%w: dimension %d, want %d", ErrSnapshotMismatch, hdr.Dimension, expect.Dimension)
	}
	if expect.M != 0 && expect.M != int(hdr.M) {
		return nil, fmt.Errorf("%w: M %d, want %d", ErrSnapshotMismatch, hdr.M, expect.M)
	}
	if expect.EFConstruction != 0 && expect.EFConstruction != int(hdr.EFConstruction) {
		return nil, fmt.Errorf("%w: efConstruction %d, want %d", ErrSnapshotMismatch, hdr.EFConstruction, expect.EFConstruction)
	}

	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read payload: %v", ErrBadSnapshot, err)
	}
	if crc32.ChecksumIEEE(compressed) != hdr.CRC {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadSnapshot)
	}

	payload, err := decompressPayload(compressed, Codec(hdr.Codec))
	if err != nil {
		return nil, err
	}

	idx, err := New(func(o *Options) {
		o.Dimension = int(hdr.Dimension)
		o.M = int(hdr.M)
		o.EFConstruction = int(hdr.EFConstruction)
		if expect.EFSearch > 0 {
			o.EFSearch = expect.EFSearch
		}
		o.RandomSeed = expect.RandomSeed
	})
	if err != nil {
		return nil, err
	}
	if err := idx.decodePayload(payload); err != nil {
		return nil, err
	}
	return idx, nil
}

func (h *Index) decodePayload(payload []byte) error {
	buf := bytes.NewReader(payload)

	var nodeCount, entryPoint, maxLevel uint32
	if err := readU32s(buf, &nodeCount, &entryPoint, &maxLevel); err != nil {
		return err
	}

	dim := h.opts.Dimension
	h.nodes = make([]*node, 0, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		var idLen uint16
		if err := binary.Read(buf, binary.LittleEndian, &idLen); err != nil {
			return fmt.Errorf("%w: node %d id", ErrBadSnapshot, i)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(buf, idBytes); err != nil {
			return fmt.Errorf("%w: node %d id", ErrBadSnapshot, i)
		}
		var level uint16
		if err := binary.Read(buf, binary.LittleEndian, &level); err != nil {
			return fmt.Errorf("%w: node %d level", ErrBadSnapshot, i)
		}
		vec := make([]float32, dim)
		for d := 0; d < dim; d++ {
			var bits uint32
			if err := binary.Read(buf, binary.LittleEndian, &bits); err != nil {
				return fmt.Errorf("%w: node %d vector", ErrBadSnapshot, i)
			}
			vec[d] = math.Float32frombits(bits)
		}
		conns := make([][]uint32, int(level)+1)
		for lv := range conns {
			var cnt uint16
			if err := binary.Read(buf, binary.LittleEndian, &cnt); err != nil {
				return fmt.Errorf("%w: node %d layer %d", ErrBadSnapshot, i, lv)
			}
			layer := make([]uint32, cnt)
			for c := range layer {
				if err := binary.Read(buf, binary.LittleEndian, &layer[c]); err != nil {
					return fmt.Errorf("%w: node %d layer %d", ErrBadSnapshot, i, lv)
				}
			}
			conns[lv] = layer
		}
		h.nodes = append(h.nodes, &node{
			chunkID: string(idBytes),
			vector:  vec,
			level:   int(level),
			conns:   conns,
		})
	}

	var tombLen uint32
	if err := binary.Read(buf, binary.LittleEndian, &tombLen); err != nil {
		return fmt.Errorf("%w: tombstones", ErrBadSnapshot)
	}
	tombBytes := make([]byte, tombLen)
	if _, err := io.ReadFull(buf, tombBytes); err != nil {
		return fmt.Errorf("%w: tombstones", ErrBadSnapshot)
	}
	tomb := roaring.New()
	if err := tomb.UnmarshalBinary(tombBytes); err != nil {
		return fmt.Errorf("%w: tombstones: %v", ErrBadSnapshot, err)
	}

	if int(entryPoint) >= len(h.nodes) && nodeCount > 0 {
		return fmt.Errorf("%w: entry point %d out of range", ErrBadSnapshot, entryPoint)
	}

	h.tombstones = tomb
	h.entryPoint = entryPoint
	h.maxLevel = int(maxLevel)
	h.live = len(h.nodes) - int(tomb.GetCardinality())

	h.byChunk = make(map[string]uint32, len(h.nodes))
	for id, n := range h.nodes {
		// Live mapping wins; a tombstoned predecessor of an upserted key
		// must not shadow its replacement.
		if prev, ok := h.byChunk[n.chunkID]; ok && !tomb.Contains(prev) {
			continue
		}
		h.byChunk[n.chunkID] = uint32(id)
	}

	return nil
}

func readU32s(r io.Reader, vals ...*uint32) error {
	for _, v := range vals {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("%w: short payload", ErrBadSnapshot)
		}
	}
	return nil
}

func compressPayload(payload []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecRaw:
		return payload, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("hnsw: zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil
	case CodecLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("hnsw: lz4 compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("hnsw: lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("hnsw: unknown snapshot codec %d", codec)
	}
}

func decompressPayload(compressed []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecRaw:
		return compressed, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("hnsw: zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrBadSnapshot, err)
		}
		return out, nil
	case CodecLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(compressed)))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrBadSnapshot, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrBadSnapshot, codec)
	}
}
