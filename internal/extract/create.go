// Package extract pulls result metrics out of borg's output.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedOutput is returned when borg create printed something
	// on stdout that is not a JSON document.
	ErrMalformedOutput = errors.New("malformed borg output")
	// ErrStatsNotFound is returned when the prune report has no
	// "Deleted data" line where one is expected.
	ErrStatsNotFound = errors.New("borg stats not found")
)

// CreateJSON validates borg create's --json stdout and returns it compacted,
// ready to be sent as a single value. Only completely empty stdout yields
// "" and no error; whitespace alone is malformed.
func CreateJSON(stdout string) (string, error) {
	if stdout == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(stdout)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return buf.String(), nil
}

// CreateReport is the subset of borg create --json the run summary logs.
type CreateReport struct {
	Archive struct {
		Name     string  `json:"name"`
		Duration float64 `json:"duration"`
		Stats    struct {
			OriginalSize     int64 `json:"original_size"`
			CompressedSize   int64 `json:"compressed_size"`
			DeduplicatedSize int64 `json:"deduplicated_size"`
			Files            int64 `json:"nfiles"`
		} `json:"stats"`
	} `json:"archive"`
	Repository struct {
		Location string `json:"location"`
	} `json:"repository"`
}

// ParseCreateReport decodes the fields of CreateReport from raw JSON.
func ParseCreateReport(raw string) (CreateReport, error) {
	var report CreateReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return CreateReport{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return report, nil
}
