package extract

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/kebairia/borgmon/internal/bytesize"
)

const createStdout = `{
    "archive": {
        "duration": 12.5,
        "name": "20230319T224500",
        "stats": {
            "compressed_size": 52428800,
            "deduplicated_size": 1048576,
            "nfiles": 4213,
            "original_size": 104857600
        }
    },
    "repository": {
        "location": "/mnt/backup/borg/myserver"
    }
}
`

func TestCreateJSON(t *testing.T) {
	raw, err := CreateJSON(createStdout)
	if err != nil {
		t.Fatalf("CreateJSON() error: %v", err)
	}
	if !json.Valid([]byte(raw)) {
		t.Fatalf("CreateJSON() returned invalid JSON: %s", raw)
	}
	if strings.Contains(raw, "\n") {
		t.Errorf("CreateJSON() should be compact, got %q", raw)
	}
	if !strings.HasPrefix(raw, `{"archive":{"duration":12.5,"name":"20230319T224500"`) {
		t.Errorf("CreateJSON() did not keep document order: %s", raw)
	}
}

func TestCreateJSON_Empty(t *testing.T) {
	raw, err := CreateJSON("")
	if err != nil || raw != "" {
		t.Errorf("CreateJSON(\"\") = %q, %v; want empty, nil", raw, err)
	}
}

func TestCreateJSON_Malformed(t *testing.T) {
	for _, in := range []string{"Repository /mnt/backup does not exist.", "  \n"} {
		if _, err := CreateJSON(in); !errors.Is(err, ErrMalformedOutput) {
			t.Errorf("CreateJSON(%q) error = %v, want ErrMalformedOutput", in, err)
		}
	}
}

func TestParseCreateReport(t *testing.T) {
	report, err := ParseCreateReport(createStdout)
	if err != nil {
		t.Fatalf("ParseCreateReport() error: %v", err)
	}
	if report.Archive.Name != "20230319T224500" {
		t.Errorf("Archive.Name = %q", report.Archive.Name)
	}
	stats := report.Archive.Stats
	if stats.OriginalSize != 104857600 || stats.CompressedSize != 52428800 ||
		stats.DeduplicatedSize != 1048576 || stats.Files != 4213 {
		t.Errorf("Archive.Stats = %+v", stats)
	}
	if report.Repository.Location != "/mnt/backup/borg/myserver" {
		t.Errorf("Repository.Location = %q", report.Repository.Location)
	}
}

func TestPruneStats(t *testing.T) {
	stderr := strings.Join([]string{
		"header1",
		"header2",
		"Deleted data:  1.00 MB  500.00 KB  200 B",
		"trailer",
	}, "\n")

	got, err := PruneStats(stderr, false)
	if err != nil {
		t.Fatalf("PruneStats() error: %v", err)
	}
	want := SizeTriple{Original: 1_000_000, Compressed: 500_000, Deduplicated: 200}
	if got != want {
		t.Errorf("PruneStats() = %+v, want %+v", got, want)
	}
}

func TestPruneStats_NegativeAndBorgUnits(t *testing.T) {
	stderr := "Keeping archive: a\r\nPruning archive: b\r\n" +
		"Deleted data:              -1.23 GB           -456.78 kB              -9 B\r\n"

	got, err := PruneStats(stderr, false)
	if err != nil {
		t.Fatalf("PruneStats() error: %v", err)
	}
	want := SizeTriple{Original: -1_000_000_000, Compressed: -456_000, Deduplicated: -9}
	if got != want {
		t.Errorf("PruneStats() = %+v, want %+v", got, want)
	}
}

func TestPruneStats_OnlyFirstRetainedLine(t *testing.T) {
	stderr := strings.Join([]string{
		"header1",
		"header2",
		"------------------------------------------------------------------------------",
		"Deleted data:  1.00 MB  500.00 KB  200 B",
	}, "\n")

	_, err := PruneStats(stderr, false)
	if !errors.Is(err, ErrStatsNotFound) {
		t.Fatalf("PruneStats() error = %v, want ErrStatsNotFound", err)
	}

	got, err := PruneStats(stderr, true)
	if err != nil {
		t.Fatalf("PruneStats(strict) error: %v", err)
	}
	if got.Original != 1_000_000 {
		t.Errorf("PruneStats(strict).Original = %d", got.Original)
	}
}

func TestPruneStats_HeaderIsNeverInspected(t *testing.T) {
	stderr := "Deleted data:  1.00 MB  500.00 KB  200 B\nheader2\nnothing here"
	if _, err := PruneStats(stderr, true); !errors.Is(err, ErrStatsNotFound) {
		t.Fatalf("PruneStats() error = %v, want ErrStatsNotFound", err)
	}
}

func TestPruneStats_TooShort(t *testing.T) {
	for _, in := range []string{"", "one", "one\ntwo"} {
		if _, err := PruneStats(in, false); !errors.Is(err, ErrStatsNotFound) {
			t.Errorf("PruneStats(%q) error = %v, want ErrStatsNotFound", in, err)
		}
	}
}

func TestPruneStats_UnsupportedUnit(t *testing.T) {
	stderr := "h1\nh2\nDeleted data:  1.00 EB  500.00 KB  200 B"
	_, err := PruneStats(stderr, false)
	if !errors.Is(err, bytesize.ErrUnsupportedUnit) {
		t.Fatalf("PruneStats() error = %v, want ErrUnsupportedUnit", err)
	}
}
