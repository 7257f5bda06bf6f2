package operations

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kebairia/borgmon/internal/runner"
)

const (
	MetadataFilename = "metadata.json"
	StdoutFilename   = "stdout.log"
	StderrFilename   = "stderr.log"

	transcriptTimestampFormat = "20060102T150405.000000000"
)

// Record is the transcript of a single run.
type Record struct {
	Operation   string         `json:"operation"`
	Repository  string         `json:"repository"`
	Archive     string         `json:"archive,omitempty"`
	Command     string         `json:"command"`
	ExitStatus  int            `json:"exit_status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration_ns"`
	Metrics     []MetricRecord `json:"metrics,omitempty"`
	Delivery    string         `json:"delivery,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// MetricRecord is one metric as it was handed to the sender.
type MetricRecord struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Write stores the record as dirPath/metadata.json.
func (r *Record) Write(dirPath string) error {
	filePath := filepath.Join(dirPath, MetadataFilename)

	if err := EnsureDirectoryExist(dirPath); err != nil {
		return fmt.Errorf("ensure metadata directory %q: %w", dirPath, err)
	}

	jsonFile, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("create metadata file %q: %w", filePath, err)
	}
	defer jsonFile.Close()

	encoder := json.NewEncoder(jsonFile)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(r); err != nil {
		return fmt.Errorf("encode metadata JSON: %w", err)
	}
	return nil
}

// EnsureDirectoryExist creates dirPath and its parents.
func EnsureDirectoryExist(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dirPath, err)
	}
	return nil
}

// TranscriptDir is where the transcript of a run started at startedAt lives.
func TranscriptDir(base, operation string, startedAt time.Time) string {
	return filepath.Join(base, operation, startedAt.UTC().Format(transcriptTimestampFormat))
}

// writeTranscript stores the record and captured output when a transcript
// directory is configured. Failures are logged and otherwise ignored.
func (o *Operator) writeTranscript(record *Record, result runner.Result) {
	base := o.cfg.Transcript.Directory
	if base == "" {
		return
	}
	dir := TranscriptDir(base, record.Operation, record.StartedAt)
	if err := saveTranscript(dir, record, result, o.cfg.Transcript.Compress); err != nil {
		o.log.Warn("transcript not written",
			"directory", dir,
			"error", err.Error(),
		)
		return
	}
	o.log.Debug("transcript written", "directory", dir)
}

func saveTranscript(dir string, record *Record, result runner.Result, compress bool) error {
	if err := record.Write(dir); err != nil {
		return err
	}
	for name, content := range map[string]string{
		StdoutFilename: result.Stdout,
		StderrFilename: result.Stderr,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if !compress {
			continue
		}
		if _, err := CompressZstd(path); err != nil {
			return err
		}
	}
	return nil
}
