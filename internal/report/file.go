package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anstrom/gapscan/internal/scanning"
)

const (
	// ResultFile is the JSON result written into the session directory.
	ResultFile = "result.json"
	filePerm   = 0o640
)

// WriteAtomic writes data to path through a temporary file in the same
// directory, so readers never observe a partial file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".gapscan-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// JSONSink writes the full result as indented JSON.
type JSONSink struct{}

// NewJSONSink creates a JSON file sink.
func NewJSONSink() *JSONSink { return &JSONSink{} }

// Name implements Sink.
func (*JSONSink) Name() string { return "json" }

// Write implements Sink.
func (*JSONSink) Write(_ context.Context, dir string, result *scanning.ScanResult) error {
	if dir == "" {
		return fmt.Errorf("json sink needs an output directory")
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return WriteAtomic(filepath.Join(dir, ResultFile), append(data, '\n'))
}

// ReadResult loads a result written by JSONSink.
func ReadResult(dir string) (*scanning.ScanResult, error) {
	data, err := os.ReadFile(filepath.Join(dir, ResultFile))
	if err != nil {
		return nil, err
	}
	var r scanning.ScanResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ResultFile, err)
	}
	return &r, nil
}
