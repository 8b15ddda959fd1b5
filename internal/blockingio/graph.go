package blockingio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
	"github.com/markus-barta/pinrelay/internal/storage"
)

// EncodeGraph serializes one series per request and compresses the result.
// Before compression each series is a uint32 point count followed by
// (int64 ts, float64 value) pairs, all big-endian.
func EncodeGraph(series [][]storage.GraphPoint) ([]byte, error) {
	var raw bytes.Buffer
	for _, points := range series {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(points)))
		raw.Write(hdr[:])
		for _, pt := range points {
			var rec [16]byte
			binary.BigEndian.PutUint64(rec[:8], uint64(pt.TS))
			binary.BigEndian.PutUint64(rec[8:], math.Float64bits(pt.Value))
			raw.Write(rec[:])
		}
	}

	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("compress graph: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress graph: %w", err)
	}
	return out.Bytes(), nil
}

// DecodeGraph reverses EncodeGraph.
func DecodeGraph(data []byte) ([][]storage.GraphPoint, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress graph: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress graph: %w", err)
	}

	var series [][]storage.GraphPoint
	for len(raw) > 0 {
		if len(raw) < 4 {
			return nil, fmt.Errorf("graph: truncated series header")
		}
		n := int(binary.BigEndian.Uint32(raw[:4]))
		raw = raw[4:]
		if len(raw) < n*16 {
			return nil, fmt.Errorf("graph: series of %d points truncated", n)
		}
		points := make([]storage.GraphPoint, n)
		for i := range points {
			rec := raw[i*16 : (i+1)*16]
			points[i] = storage.GraphPoint{
				TS:    int64(binary.BigEndian.Uint64(rec[:8])),
				Value: math.Float64frombits(binary.BigEndian.Uint64(rec[8:])),
			}
		}
		raw = raw[n*16:]
		series = append(series, points)
	}
	return series, nil
}
