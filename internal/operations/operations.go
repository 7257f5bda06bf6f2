package operations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kebairia/borgmon/internal/borg"
	"github.com/kebairia/borgmon/internal/bytesize"
	"github.com/kebairia/borgmon/internal/config"
	"github.com/kebairia/borgmon/internal/extract"
	"github.com/kebairia/borgmon/internal/logger"
	"github.com/kebairia/borgmon/internal/monitor"
	"github.com/kebairia/borgmon/internal/runner"
	"github.com/kebairia/borgmon/internal/secret"
)

// ErrToolFailure indicates borg exited with a non-zero status. The run still
// reports its metrics before returning it.
var ErrToolFailure = errors.New("borg failed")

// Metric keys reported to Zabbix.
const (
	KeyJSONRaw    = "jsonRaw"
	KeyExitStatus = "exitStatus"

	KeyPruneOriginal     = "prune.deleted.original_size"
	KeyPruneCompressed   = "prune.deleted.compressed_size"
	KeyPruneDeduplicated = "prune.deleted.deduplicated_size"
	KeyPruneExitStatus   = "prune.exit_status"
)

// Operator runs one borg invocation end to end: build the command, run it
// inside the passphrase scope, extract metrics and send them.
type Operator struct {
	cfg    config.Config
	runner runner.Runner
	sender monitor.Sender
	scope  *secret.Scope
	log    logger.Logger
	out    io.Writer
	errOut io.Writer
	now    func() time.Time
}

// Option lets you override default settings on an Operator.
type Option func(*Operator)

// WithLogger overrides the logger.
func WithLogger(log logger.Logger) Option {
	return func(o *Operator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithOutput sets where operator-facing output goes.
func WithOutput(out, errOut io.Writer) Option {
	return func(o *Operator) {
		if out != nil {
			o.out = out
		}
		if errOut != nil {
			o.errOut = errOut
		}
	}
}

// WithClock overrides time.Now, for transcripts.
func WithClock(now func() time.Time) Option {
	return func(o *Operator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOperator wires the pipeline for a validated cfg.
func NewOperator(
	cfg config.Config,
	r runner.Runner,
	sender monitor.Sender,
	scope *secret.Scope,
	opts ...Option,
) *Operator {
	o := &Operator{
		cfg:    cfg,
		runner: r,
		sender: sender,
		scope:  scope,
		log:    logger.Global(),
		out:    os.Stdout,
		errOut: os.Stderr,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.scope == nil {
		o.scope = secret.NewScope(borg.PassphraseEnv, o.log)
	}
	return o
}

// Run executes the configured operation once. Extraction and delivery
// failures are returned joined together after everything that can still be
// reported has been reported; an unsupported size unit aborts before sending.
func (o *Operator) Run(ctx context.Context) error {
	inv, err := borg.Build(o.cfg)
	if err != nil {
		return err
	}

	record := Record{
		Operation:  string(o.cfg.Operation),
		Repository: o.cfg.Borg.Repo,
		Archive:    o.cfg.Create.Archive,
		Command:    inv.String(),
		StartedAt:  o.now(),
	}
	if o.cfg.Operation != config.OperationCreate {
		record.Archive = ""
	}

	var result runner.Result
	err = o.scope.Do(ctx, func() error {
		var runErr error
		result, runErr = o.runner.Run(ctx, inv.Command())
		return runErr
	})
	record.CompletedAt = o.now()
	record.Duration = record.CompletedAt.Sub(record.StartedAt)
	if err != nil {
		record.Error = err.Error()
		o.writeTranscript(&record, result)
		return fmt.Errorf("run borg %s: %w", o.cfg.Operation, err)
	}
	record.ExitStatus = result.ExitStatus

	o.log.Info("borg finished",
		"operation", o.cfg.Operation,
		"repository", o.cfg.Borg.Repo,
		"status", result.ExitStatus,
		"duration", record.Duration.String(),
	)

	var batch *monitor.Batch
	var extractErr error
	switch o.cfg.Operation {
	case config.OperationCreate:
		batch, extractErr = o.createBatch(result)
	case config.OperationPrune:
		if o.cfg.Prune.DryRun {
			o.printDryRun(result)
			var toolErr error
			if !result.Success() {
				toolErr = o.toolFailure(result)
				record.Error = toolErr.Error()
			}
			o.writeTranscript(&record, result)
			return toolErr
		}
		batch, extractErr = o.pruneBatch(result)
		if errors.Is(extractErr, bytesize.ErrUnsupportedUnit) {
			o.echoFailure(result)
			record.Error = extractErr.Error()
			o.writeTranscript(&record, result)
			return fmt.Errorf("prune stats: %w", extractErr)
		}
	}
	for _, item := range batch.Items {
		record.Metrics = append(record.Metrics, MetricRecord{Key: item.Key, Value: item.Value})
	}

	report, sendErr := o.sender.Send(ctx, batch)
	if sendErr != nil {
		o.log.Error("monitoring delivery failed",
			"proxy", o.cfg.Zabbix.Proxy,
			"error", sendErr.Error(),
		)
		record.Delivery = sendErr.Error()
	} else {
		fmt.Fprintln(o.out, report.Response)
		record.Delivery = report.String()
	}

	o.echoFailure(result)

	var toolErr error
	if !result.Success() {
		toolErr = o.toolFailure(result)
	}
	err = errors.Join(extractErr, sendErr, toolErr)
	if err != nil {
		record.Error = err.Error()
	}
	o.writeTranscript(&record, result)
	return err
}

func (o *Operator) createBatch(result runner.Result) (*monitor.Batch, error) {
	batch := monitor.NewBatch(o.cfg.Zabbix.Host)

	raw, err := extract.CreateJSON(result.Stdout)
	if err != nil {
		o.log.Error("create output is not JSON", "error", err.Error())
	} else if raw != "" {
		batch.Add(KeyJSONRaw, raw)
		o.logCreateSummary(raw)
	}

	batch.Add(KeyExitStatus, result.ExitStatus)
	return batch, err
}

func (o *Operator) pruneBatch(result runner.Result) (*monitor.Batch, error) {
	batch := monitor.NewBatch(o.cfg.Zabbix.Host)

	sizes, err := extract.PruneStats(result.Stderr, o.cfg.Prune.Strict)
	switch {
	case errors.Is(err, bytesize.ErrUnsupportedUnit):
		o.log.Error("cannot convert prune stats", "error", err.Error())
		return batch, err
	case err != nil:
		o.log.Error("prune stats not found", "error", err.Error())
	default:
		// Floats carry negative magnitudes into Zabbix.
		batch.Add(KeyPruneOriginal, float64(sizes.Original))
		batch.Add(KeyPruneCompressed, float64(sizes.Compressed))
		batch.Add(KeyPruneDeduplicated, float64(sizes.Deduplicated))
		o.log.Info("prune reclaimed",
			"original", formatSize(sizes.Original),
			"compressed", formatSize(sizes.Compressed),
			"deduplicated", formatSize(sizes.Deduplicated),
		)
	}

	batch.Add(KeyPruneExitStatus, result.ExitStatus)
	return batch, err
}

func (o *Operator) logCreateSummary(raw string) {
	report, err := extract.ParseCreateReport(raw)
	if err != nil {
		o.log.Warn("cannot summarize create output", "error", err.Error())
		return
	}
	stats := report.Archive.Stats
	o.log.Info("archive created",
		"archive", report.Archive.Name,
		"duration", time.Duration(report.Archive.Duration*float64(time.Second)).String(),
		"files", stats.Files,
		"original", formatSize(stats.OriginalSize),
		"compressed", formatSize(stats.CompressedSize),
		"deduplicated", formatSize(stats.DeduplicatedSize),
	)
}

func (o *Operator) printDryRun(result runner.Result) {
	o.log.Info("dry run only, nothing sent to monitoring")
	fmt.Fprintf(o.out, "stdout:\n%s\n\nstderr:\n%s\n\nstatus:\n%d\n",
		result.Stdout, result.Stderr, result.ExitStatus)
}

// echoFailure shows borg's stderr to the operator when it failed.
func (o *Operator) echoFailure(result runner.Result) {
	if result.Success() {
		return
	}
	fmt.Fprintln(o.errOut, result.Stderr)
}

func formatSize(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return humanize.Bytes(uint64(n))
}

func (o *Operator) toolFailure(result runner.Result) error {
	return fmt.Errorf("%w: %s exited with status %d", ErrToolFailure, o.cfg.Operation, result.ExitStatus)
}
