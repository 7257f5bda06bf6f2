package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kebairia/borgmon/internal/borg"
	"github.com/kebairia/borgmon/internal/bytesize"
	"github.com/kebairia/borgmon/internal/config"
	"github.com/kebairia/borgmon/internal/extract"
	"github.com/kebairia/borgmon/internal/logger"
	"github.com/kebairia/borgmon/internal/monitor"
	"github.com/kebairia/borgmon/internal/runner"
	"github.com/kebairia/borgmon/internal/secret"
	"github.com/klauspost/compress/zstd"
)

type fakeRunner struct {
	calls      []runner.Command
	result     runner.Result
	err        error
	passphrase string
}

func (f *fakeRunner) Run(_ context.Context, c runner.Command) (runner.Result, error) {
	f.calls = append(f.calls, c)
	f.passphrase = os.Getenv(borg.PassphraseEnv)
	return f.result, f.err
}

type fakeSender struct {
	batches []*monitor.Batch
	err     error
}

func (f *fakeSender) Send(_ context.Context, b *monitor.Batch) (monitor.Report, error) {
	f.batches = append(f.batches, b)
	if f.err != nil {
		return monitor.Report{}, f.err
	}
	return monitor.Report{
		Processed: b.Len(),
		Total:     b.Len(),
		Response:  "processed: 2; failed: 0; total: 2",
	}, nil
}

func createConfig() config.Config {
	return config.Config{
		Operation: config.OperationCreate,
		Borg:      config.BorgConfig{Binary: "borg", Repo: "/mnt/backup/borg/myserver"},
		Create:    config.CreateConfig{Archive: "20230319T224500", Path: "/mnt/myserver"},
		Zabbix:    config.ZabbixConfig{Host: "myserver", Proxy: "10.0.0.20"},
	}
}

func pruneConfig() config.Config {
	cfg := createConfig()
	cfg.Operation = config.OperationPrune
	cfg.Prune.Keep.Within = "30d"
	return cfg
}

func newTestOperator(cfg config.Config, r runner.Runner, s monitor.Sender) (*Operator, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	op := NewOperator(cfg, r, s, nil,
		WithLogger(logger.Nop()),
		WithOutput(&out, &errOut),
	)
	return op, &out, &errOut
}

// commandLine joins the argv handed to the runner with single spaces.
func commandLine(c runner.Command) string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

func loadRecord(t *testing.T, path string) Record {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	return record
}

func decompressZstd(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	reader, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("decompress %s: %v", path, err)
	}
	return data
}

func items(b *monitor.Batch) map[string]any {
	m := make(map[string]any, b.Len())
	for _, item := range b.Items {
		m[item.Key] = item.Value
	}
	return m
}

const pruneStderr = "Keeping archive: host-2023-03-19\n" +
	"Pruning archive: host-2023-01-01\n" +
	"Deleted data:  1.00 MB  500.00 KB  200 B\n" +
	"------------------------------------------------------------------------------\n"

func TestRun_Create(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{
		Stdout: `{"archive": {"name": "20230319T224500", "stats": {"original_size": 10}}}`,
	}}
	fs := &fakeSender{}
	op, out, errOut := newTestOperator(createConfig(), fr, fs)

	if err := op.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(fr.calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(fr.calls))
	}
	line := commandLine(fr.calls[0])
	want := "borg create --verbose --stats --json --show-rc /mnt/backup/borg/myserver::20230319T224500 /mnt/myserver"
	if line != want {
		t.Errorf("command = %q, want %q", line, want)
	}

	if len(fs.batches) != 1 {
		t.Fatalf("sender called %d times, want 1", len(fs.batches))
	}
	b := fs.batches[0]
	if b.Host != "myserver" || b.Len() != 2 {
		t.Fatalf("batch = %+v, want two items for myserver", b)
	}
	got := items(b)
	raw, ok := got[KeyJSONRaw].(string)
	if !ok || !json.Valid([]byte(raw)) {
		t.Errorf("jsonRaw = %v, want valid JSON string", got[KeyJSONRaw])
	}
	if got[KeyExitStatus] != 0 {
		t.Errorf("exitStatus = %v, want 0", got[KeyExitStatus])
	}
	if !strings.Contains(out.String(), "processed: 2") {
		t.Errorf("delivery report not shown: %q", out.String())
	}
	if errOut.Len() != 0 {
		t.Errorf("unexpected stderr echo: %q", errOut.String())
	}
}

func TestRun_CreateMalformedStillReportsStatus(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{
		Stdout:     "not json",
		Stderr:     "Repository does not exist.",
		ExitStatus: 2,
	}}
	fs := &fakeSender{}
	op, _, errOut := newTestOperator(createConfig(), fr, fs)

	err := op.Run(context.Background())
	if !errors.Is(err, extract.ErrMalformedOutput) || !errors.Is(err, ErrToolFailure) {
		t.Fatalf("Run() error = %v, want ErrMalformedOutput and ErrToolFailure", err)
	}
	got := items(fs.batches[0])
	if len(got) != 1 || got[KeyExitStatus] != 2 {
		t.Errorf("batch = %v, want only exitStatus=2", got)
	}
	if !strings.Contains(errOut.String(), "Repository does not exist.") {
		t.Errorf("borg stderr not echoed: %q", errOut.String())
	}
}

func TestRun_CreateEmptyStdout(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{ExitStatus: 2, Stderr: "boom"}}
	fs := &fakeSender{}
	op, _, _ := newTestOperator(createConfig(), fr, fs)

	if err := op.Run(context.Background()); !errors.Is(err, ErrToolFailure) {
		t.Fatalf("Run() error = %v, want ErrToolFailure", err)
	}
	got := items(fs.batches[0])
	if _, ok := got[KeyJSONRaw]; ok || got[KeyExitStatus] != 2 {
		t.Errorf("batch = %v, want only exitStatus", got)
	}
}

func TestRun_Prune(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{Stderr: pruneStderr}}
	fs := &fakeSender{}
	op, _, _ := newTestOperator(pruneConfig(), fr, fs)

	if err := op.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if line := commandLine(fr.calls[0]); line != "borg prune --verbose --stats --show-rc --keep-within 30d /mnt/backup/borg/myserver" {
		t.Errorf("command = %q", line)
	}

	got := items(fs.batches[0])
	want := map[string]any{
		KeyPruneOriginal:     float64(1_000_000),
		KeyPruneCompressed:   float64(500_000),
		KeyPruneDeduplicated: float64(200),
		KeyPruneExitStatus:   0,
	}
	if len(got) != len(want) {
		t.Fatalf("batch = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v (%T), want %v (%T)", k, got[k], got[k], v, v)
		}
	}
}

func TestRun_PruneStatsNotFound(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{Stderr: "a\nb\nnothing useful\n"}}
	fs := &fakeSender{}
	op, _, _ := newTestOperator(pruneConfig(), fr, fs)

	err := op.Run(context.Background())
	if !errors.Is(err, extract.ErrStatsNotFound) {
		t.Fatalf("Run() error = %v, want ErrStatsNotFound", err)
	}
	got := items(fs.batches[0])
	if len(got) != 1 || got[KeyPruneExitStatus] != 0 {
		t.Errorf("batch = %v, want only prune.exit_status", got)
	}
}

func TestRun_PruneUnsupportedUnitAborts(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{
		Stderr:     "a\nb\nDeleted data:  1.00 EB  2 MB  3 B\n",
		ExitStatus: 1,
	}}
	fs := &fakeSender{}
	op, _, errOut := newTestOperator(pruneConfig(), fr, fs)

	err := op.Run(context.Background())
	if !errors.Is(err, bytesize.ErrUnsupportedUnit) {
		t.Fatalf("Run() error = %v, want ErrUnsupportedUnit", err)
	}
	if len(fs.batches) != 0 {
		t.Errorf("sender called %d times, want 0", len(fs.batches))
	}
	if !strings.Contains(errOut.String(), "Deleted data") {
		t.Errorf("borg stderr not echoed on failure: %q", errOut.String())
	}
}

func TestRun_PruneDryRunSendsNothing(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"success", 0, nil},
		{"borg failed", 2, ErrToolFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := pruneConfig()
			cfg.Prune.DryRun = true
			fr := &fakeRunner{result: runner.Result{Stderr: "Would prune: x", ExitStatus: tt.status}}
			fs := &fakeSender{}
			op, out, _ := newTestOperator(cfg, fr, fs)

			err := op.Run(context.Background())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if line := commandLine(fr.calls[0]); !strings.Contains(line, "--list --dry-run") {
				t.Errorf("command missing dry-run flags: %q", line)
			}
			if len(fs.batches) != 0 {
				t.Errorf("sender called on dry run")
			}
			if !strings.Contains(out.String(), "Would prune: x") {
				t.Errorf("dry run output not shown: %q", out.String())
			}
		})
	}
}

func TestRun_DeliveryFailureStillEchoes(t *testing.T) {
	fr := &fakeRunner{result: runner.Result{Stderr: "lock timeout", ExitStatus: 2}}
	fs := &fakeSender{err: monitor.ErrDelivery}
	op, out, errOut := newTestOperator(createConfig(), fr, fs)

	err := op.Run(context.Background())
	if !errors.Is(err, monitor.ErrDelivery) || !errors.Is(err, ErrToolFailure) {
		t.Fatalf("Run() error = %v, want ErrDelivery and ErrToolFailure", err)
	}
	if items(fs.batches[0])[KeyExitStatus] != 2 {
		t.Errorf("exit status not computed before delivery")
	}
	if !strings.Contains(errOut.String(), "lock timeout") {
		t.Errorf("borg stderr not echoed: %q", errOut.String())
	}
	if out.Len() != 0 {
		t.Errorf("report printed despite delivery failure: %q", out.String())
	}
}

func TestRun_StartFailure(t *testing.T) {
	fr := &fakeRunner{err: runner.ErrStart}
	fs := &fakeSender{}
	op, _, _ := newTestOperator(createConfig(), fr, fs)

	if err := op.Run(context.Background()); !errors.Is(err, runner.ErrStart) {
		t.Fatalf("Run() error = %v, want ErrStart", err)
	}
	if len(fs.batches) != 0 {
		t.Error("sender called although borg never ran")
	}
}

func TestRun_PassphraseScopedToRun(t *testing.T) {
	os.Unsetenv(borg.PassphraseEnv)
	passFile := filepath.Join(t.TempDir(), "pass")
	if err := os.WriteFile(passFile, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name   string
		result runner.Result
		err    error
	}{
		{"success", runner.Result{Stderr: pruneStderr}, nil},
		{"non-zero exit", runner.Result{Stderr: pruneStderr, ExitStatus: 2}, nil},
		{"start failure", runner.Result{}, runner.ErrStart},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fr := &fakeRunner{result: tc.result, err: tc.err}
			scope := secret.NewScope(borg.PassphraseEnv, logger.Nop(), secret.FileSource{Path: passFile})
			op := NewOperator(pruneConfig(), fr, &fakeSender{}, scope,
				WithLogger(logger.Nop()),
				WithOutput(&bytes.Buffer{}, &bytes.Buffer{}),
			)
			_ = op.Run(context.Background())

			if fr.passphrase != "s3cret" {
				t.Errorf("passphrase seen by borg = %q, want s3cret", fr.passphrase)
			}
			if _, ok := os.LookupEnv(borg.PassphraseEnv); ok {
				t.Errorf("%s still set after run", borg.PassphraseEnv)
			}
		})
	}
}

func TestRun_WritesTranscript(t *testing.T) {
	dir := t.TempDir()
	cfg := pruneConfig()
	cfg.Transcript = config.TranscriptConfig{Directory: dir, Compress: true}

	started := time.Date(2023, 3, 19, 22, 45, 0, 0, time.UTC)
	fr := &fakeRunner{result: runner.Result{Stdout: "out", Stderr: pruneStderr}}
	op := NewOperator(cfg, fr, &fakeSender{}, nil,
		WithLogger(logger.Nop()),
		WithOutput(&bytes.Buffer{}, &bytes.Buffer{}),
		WithClock(func() time.Time { return started }),
	)
	if err := op.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	runDir := TranscriptDir(dir, "prune", started)
	record := loadRecord(t, filepath.Join(runDir, MetadataFilename))
	if record.Operation != "prune" || record.Repository != "/mnt/backup/borg/myserver" {
		t.Errorf("record = %+v", record)
	}
	if len(record.Metrics) != 4 || record.Delivery == "" {
		t.Errorf("record metrics = %+v, delivery = %q", record.Metrics, record.Delivery)
	}

	stderr := decompressZstd(t, filepath.Join(runDir, StderrFilename+".zst"))
	if string(stderr) != pruneStderr {
		t.Errorf("stderr transcript = %q", stderr)
	}
	if _, err := os.Stat(filepath.Join(runDir, StderrFilename)); !os.IsNotExist(err) {
		t.Errorf("uncompressed stderr left behind: %v", err)
	}
}

func TestRun_TranscriptFailureIsNotFatal(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := createConfig()
	cfg.Transcript.Directory = blocker

	fr := &fakeRunner{result: runner.Result{Stdout: "{}"}}
	op, _, _ := newTestOperator(cfg, fr, &fakeSender{})
	if err := op.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}
