package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kebairia/borgmon/internal/bytesize"
)

// PreambleLines is the number of leading stderr lines borg prune prints
// before its statistics block. They are dropped without inspection.
const PreambleLines = 2

// SizeTriple is the reclaimed space a prune reported. Values may be negative.
type SizeTriple struct {
	Original     int64
	Compressed   int64
	Deduplicated int64
}

var deletedData = regexp.MustCompile(
	`Deleted data:\s+(?P<original>-?\d+(?:\.\d+)?\s.?B)\s+(?P<compressed>-?\d+(?:\.\d+)?\s.?B)\s+(?P<dedup>-?\d+(?:\.\d+)?\s.?B)`,
)

// PruneStats finds the "Deleted data:" line in borg prune's stderr and
// converts its three sizes to bytes. After dropping PreambleLines only the
// first remaining line is inspected; strict inspects all of them.
//
// A size with an unknown unit fails with bytesize.ErrUnsupportedUnit.
func PruneStats(stderr string, strict bool) (SizeTriple, error) {
	lines := strings.Split(strings.ReplaceAll(stderr, "\r\n", "\n"), "\n")
	if len(lines) <= PreambleLines {
		return SizeTriple{}, fmt.Errorf("%w: only %d stderr lines", ErrStatsNotFound, len(lines))
	}
	lines = lines[PreambleLines:]
	if !strict {
		lines = lines[:1]
	}

	for _, line := range lines {
		m := deletedData.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return sizes(
			m[deletedData.SubexpIndex("original")],
			m[deletedData.SubexpIndex("compressed")],
			m[deletedData.SubexpIndex("dedup")],
		)
	}
	return SizeTriple{}, fmt.Errorf("%w: no \"Deleted data\" line", ErrStatsNotFound)
}

func sizes(original, compressed, dedup string) (SizeTriple, error) {
	var (
		triple SizeTriple
		err    error
	)
	if triple.Original, err = bytesize.Parse(original); err != nil {
		return SizeTriple{}, fmt.Errorf("original size: %w", err)
	}
	if triple.Compressed, err = bytesize.Parse(compressed); err != nil {
		return SizeTriple{}, fmt.Errorf("compressed size: %w", err)
	}
	if triple.Deduplicated, err = bytesize.Parse(dedup); err != nil {
		return SizeTriple{}, fmt.Errorf("deduplicated size: %w", err)
	}
	return triple, nil
}
