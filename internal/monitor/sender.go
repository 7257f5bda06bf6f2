package monitor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kebairia/borgmon/internal/logger"
	"github.com/kebairia/borgmon/internal/runner"
)

// ErrDelivery indicates the batch was not accepted by the monitoring proxy.
var ErrDelivery = errors.New("monitoring delivery failed")

// ItemStatus is the outcome of one item as far as the response tells.
type ItemStatus string

const (
	StatusAccepted ItemStatus = "accepted"
	StatusFailed   ItemStatus = "failed"
	StatusUnknown  ItemStatus = "unknown"
)

// ItemResult pairs a key with its delivery outcome.
type ItemResult struct {
	Key    string
	Status ItemStatus
}

// Report is the aggregate answer of one batch send.
type Report struct {
	Processed int
	Failed    int
	Total     int
	Items     []ItemResult
	// Response is the sender output, shown to the operator verbatim.
	Response string
}

func (r Report) String() string {
	return fmt.Sprintf("processed: %d; failed: %d; total: %d", r.Processed, r.Failed, r.Total)
}

// Sender delivers a batch in one call.
type Sender interface {
	Send(ctx context.Context, batch *Batch) (Report, error)
}

var summary = regexp.MustCompile(`processed:\s*(\d+);\s*failed:\s*(\d+);\s*total:\s*(\d+)`)

// Exit codes of zabbix_sender.
const (
	senderOK      = 0
	senderPartial = 2
)

// PipeSender pipes the batch into zabbix_sender's stdin.
type PipeSender struct {
	Path   string
	Proxy  string
	Runner runner.Runner
	Log    logger.Logger
}

var _ Sender = (*PipeSender)(nil)

// NewPipeSender returns a sender that runs the binary at path against proxy.
func NewPipeSender(path, proxy string, r runner.Runner, log logger.Logger) *PipeSender {
	if log == nil {
		log = logger.Nop()
	}
	return &PipeSender{Path: path, Proxy: proxy, Runner: r, Log: log}
}

// Send transmits every item of batch in a single zabbix_sender call. There is
// no retry; a failed send returns ErrDelivery.
func (s *PipeSender) Send(ctx context.Context, batch *Batch) (Report, error) {
	input := batch.SenderInput()
	s.Log.Debug("sender input", "items", batch.Len(), "lines", input)

	res, err := s.Runner.Run(ctx, runner.Command{
		Path:  s.Path,
		Args:  []string{"-z", s.Proxy, "-i", "-"},
		Stdin: input,
	})
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	response := strings.TrimSpace(res.Stdout)
	report, ok := parseReport(response, batch)
	if !ok || (res.ExitStatus != senderOK && res.ExitStatus != senderPartial) {
		return report, fmt.Errorf("%w: %s exited with status %d: %s",
			ErrDelivery, s.Path, res.ExitStatus, strings.TrimSpace(response+"\n"+res.Stderr))
	}

	s.Log.Info("batch delivered",
		"proxy", s.Proxy,
		"processed", report.Processed,
		"failed", report.Failed,
		"total", report.Total,
	)
	return report, nil
}

func parseReport(response string, batch *Batch) (Report, bool) {
	report := Report{Response: response}
	m := summary.FindStringSubmatch(response)
	if m == nil {
		return report, false
	}
	report.Processed, _ = strconv.Atoi(m[1])
	report.Failed, _ = strconv.Atoi(m[2])
	report.Total, _ = strconv.Atoi(m[3])

	status := StatusUnknown
	switch {
	case report.Failed == 0 && report.Processed == report.Total:
		status = StatusAccepted
	case report.Processed == 0:
		status = StatusFailed
	}
	for _, item := range batch.Items {
		report.Items = append(report.Items, ItemResult{Key: item.Key, Status: status})
	}
	return report, true
}
