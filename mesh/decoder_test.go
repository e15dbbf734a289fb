package mesh

import (
	"bytes"
	"compress/zlib"
	"errors"
	"testing"
)

func TestIsZstd(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"zstd magic", []byte{0x28, 0xB5, 0x2F, 0xFD, 0x00}, true},
		{"json", []byte(`{"entities":[]}`), false},
		{"too short", []byte{0x28, 0xB5}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsZstd(tt.data); got != tt.want {
				t.Errorf("IsZstd() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeScanData_RawJSON(t *testing.T) {
	scan, err := DecodeScanData([]byte("  \n" + sampleScanJSON))
	if err != nil {
		t.Fatalf("DecodeScanData: %v", err)
	}
	if len(scan.Entities) != 3 {
		t.Errorf("expected 3 entities, got %d", len(scan.Entities))
	}
}

func TestDecodeScanData_Zstd(t *testing.T) {
	src, err := ParseScanJSON([]byte(sampleScanJSON))
	if err != nil {
		t.Fatalf("ParseScanJSON: %v", err)
	}
	compressed, err := CompressScan(src)
	if err != nil {
		t.Fatalf("CompressScan: %v", err)
	}
	if !IsZstd(compressed) {
		t.Fatal("CompressScan output lacks the zstd magic")
	}

	scan, err := DecodeScanData(compressed)
	if err != nil {
		t.Fatalf("DecodeScanData: %v", err)
	}
	if scan.Source != "overworld" || len(scan.Entities) != 3 {
		t.Errorf("unexpected scan: %+v", scan)
	}
}

func TestDecodeScanData_Zlib(t *testing.T) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(sampleScanJSON)); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}

	scan, err := DecodeScanData(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeScanData: %v", err)
	}
	if len(scan.Entities) != 3 {
		t.Errorf("expected 3 entities, got %d", len(scan.Entities))
	}
}

func TestDecodeScanData_EmptyData(t *testing.T) {
	_, err := DecodeScanData(nil)
	if !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestDecodeScanData_InvalidData(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"garbage bytes", []byte{0x01, 0x02, 0x03, 0x04}},
		{"broken zstd", []byte{0x28, 0xB5, 0x2F, 0xFD, 0xFF, 0xFF}},
		{"plain text", []byte("hello")},
		{"schema violation", []byte(`{"entities":[null]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeScanData(tt.data); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
