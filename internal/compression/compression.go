// Package compression shrinks migration package bodies before they are
// signed and shipped. The algorithm byte travels in the package format
// version, so both sides must agree on it out of band.
package compression

import (
	"fmt"
)

// Algorithm identifies a wire body compression scheme.
type Algorithm uint8

const (
	None   Algorithm = 0
	Snappy Algorithm = 1
)

// Compressor compresses and decompresses wire bodies. Implementations
// must round-trip arbitrary bytes; empty input passes through unchanged.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// GetCompressor returns a compressor for the given algorithm
func GetCompressor(algo Algorithm) (Compressor, error) {
	switch algo {
	case None:
		return &NoneCompressor{}, nil
	case Snappy:
		return NewSnappyCompressor(), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algo)
	}
}

// NoneCompressor passes bytes through untouched. Used for debugging wire
// captures and in tests that assert on raw package JSON.
type NoneCompressor struct{}

func (n *NoneCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (n *NoneCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

func (n *NoneCompressor) Algorithm() Algorithm {
	return None
}
