package compression

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSnappyCompressor_RoundTrip(t *testing.T) {
	compressor := NewSnappyCompressor()

	original := []byte(`{"collections":{"users":{"documents":[{"_id":"u1"}],"count":1}}}`)
	compressed, err := compressor.Compress(original)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	decompressed, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(original, decompressed) {
		t.Errorf("Decompressed data does not match original.\nOriginal: %s\nDecompressed: %s", original, decompressed)
	}
	if compressor.Algorithm() != Snappy {
		t.Errorf("Expected algorithm Snappy, got %d", compressor.Algorithm())
	}
}

func TestSnappyCompressor_EmptyData(t *testing.T) {
	compressor := NewSnappyCompressor()

	compressed, err := compressor.Compress(nil)
	if err != nil {
		t.Fatalf("Compress empty data failed: %v", err)
	}
	if len(compressed) != 0 {
		t.Errorf("Expected empty compressed data, got length %d", len(compressed))
	}

	decompressed, err := compressor.Decompress([]byte{})
	if err != nil {
		t.Fatalf("Decompress empty data failed: %v", err)
	}
	if len(decompressed) != 0 {
		t.Errorf("Expected empty decompressed data, got length %d", len(decompressed))
	}
}

// Package bodies repeat field names once per document, the shape snappy
// is expected to squeeze hardest.
func TestSnappyCompressor_DocumentBatch(t *testing.T) {
	compressor := NewSnappyCompressor()

	type doc struct {
		ID     string `json:"_id"`
		Name   string `json:"name"`
		Email  string `json:"email"`
		Active bool   `json:"active"`
	}
	batch := make([]doc, 500)
	for i := range batch {
		batch[i] = doc{ID: "u1", Name: "alice", Email: "alice@example.com", Active: true}
	}
	original, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}

	compressed, err := compressor.Compress(original)
	if err != nil {
		t.Fatalf("Compress batch failed: %v", err)
	}
	if len(compressed) >= len(original)/2 {
		t.Errorf("Expected at least 2x compression on a repetitive batch, got %d -> %d",
			len(original), len(compressed))
	}

	decompressed, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress batch failed: %v", err)
	}
	if !bytes.Equal(original, decompressed) {
		t.Error("Decompressed batch does not match original")
	}
}

func TestSnappyCompressor_BinaryData(t *testing.T) {
	compressor := NewSnappyCompressor()

	original := []byte{0x00, 0xFF, 0x01, 0xFE, 0x02, 0xFD, 0x7F, 0x80, 0x81}
	compressed, err := compressor.Compress(original)
	if err != nil {
		t.Fatalf("Compress binary data failed: %v", err)
	}
	decompressed, err := compressor.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress binary data failed: %v", err)
	}
	if !bytes.Equal(original, decompressed) {
		t.Errorf("Binary data mismatch.\nOriginal: %v\nDecompressed: %v", original, decompressed)
	}
}

func TestSnappyCompressor_InvalidCompressedData(t *testing.T) {
	compressor := NewSnappyCompressor()

	invalid := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := compressor.Decompress(invalid); err == nil {
		t.Error("Expected error when decompressing invalid data, got nil")
	}
}
