package mesh

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const snapshotFormat = "spawnmesh.result.v1"

// snapshotHeader is written as the first line of a snapshot so the file can
// be identified without decoding the body.
type snapshotHeader struct {
	Format     string `json:"format"`
	RunID      string `json:"runId"`
	Generation uint64 `json:"generation"`
	Clusters   int    `json:"clusters"`
}

// SaveSnapshot writes a published run report to path as a zstd stream: a
// JSON header line followed by the JSON report.
func SaveSnapshot(path string, report *RunReport) error {
	if report == nil || report.Result == nil {
		return fmt.Errorf("save snapshot: report has no result")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snapshotHeader{
		Format:     snapshotFormat,
		RunID:      report.RunID,
		Generation: report.Generation,
		Clusters:   report.Result.Len(),
	})
	if _, err := bw.Write(hb); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if err := bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if err := json.NewEncoder(bw).Encode(report); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return enc.Close()
}

// LoadSnapshot reads a report written by SaveSnapshot
func LoadSnapshot(path string) (*RunReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	var hdr snapshotHeader
	if err := json.Unmarshal(line, &hdr); err != nil {
		return nil, fmt.Errorf("parse snapshot header: %w", err)
	}
	if hdr.Format != snapshotFormat {
		return nil, fmt.Errorf("unsupported snapshot format %q", hdr.Format)
	}

	var report RunReport
	if err := json.NewDecoder(br).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if report.Result == nil {
		return nil, fmt.Errorf("snapshot has no result")
	}
	return &report, nil
}
