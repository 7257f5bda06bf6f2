// Package borg builds the command lines for borg create and borg prune.
package borg

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/kebairia/borgmon/internal/config"
	"github.com/kebairia/borgmon/internal/runner"
)

// PassphraseEnv is the variable borg reads the repository passphrase from.
const PassphraseEnv = "BORG_PASSPHRASE"

// Invocation is the ordered argument vector of one borg call.
type Invocation struct {
	Operation config.Operation
	args      []string
}

// Args returns a copy of the argument vector, program first.
func (inv Invocation) Args() []string {
	return append([]string(nil), inv.args...)
}

// String renders the argument vector as a shell-quoted line for logs.
func (inv Invocation) String() string {
	return shellquote.Join(inv.args...)
}

// Command hands the argument vector to the runner without a shell.
func (inv Invocation) Command() runner.Command {
	if len(inv.args) == 0 {
		return runner.Command{}
	}
	return runner.Command{Path: inv.args[0], Args: inv.Args()[1:]}
}

// NormalizeWhitespace collapses every run of whitespace to a single space
// and trims the ends.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Build dispatches on cfg.Operation.
func Build(cfg config.Config) (Invocation, error) {
	switch cfg.Operation {
	case config.OperationCreate:
		return Create(cfg)
	case config.OperationPrune:
		return Prune(cfg)
	default:
		return Invocation{}, fmt.Errorf("%w: unknown operation %q", config.ErrValidateConfig, cfg.Operation)
	}
}

// Create builds
//
//	[sudo] borg [common] create --verbose --stats --json --show-rc <params> <repo>::<archive> <path>
func Create(cfg config.Config) (Invocation, error) {
	params, err := split("borg.params", cfg.Borg.Params)
	if err != nil {
		return Invocation{}, err
	}
	b, err := newBuilder(cfg, "create")
	if err != nil {
		return Invocation{}, err
	}
	b.add("--verbose", "--stats", "--json", "--show-rc")
	b.add(params...)
	b.add(cfg.Borg.Repo+"::"+cfg.Create.Archive, cfg.Create.Path)
	return Invocation{Operation: config.OperationCreate, args: b.args}, nil
}

// Prune builds
//
//	[sudo] borg [common] prune --verbose --stats --show-rc [--list --dry-run] <params> [--keep-*] <repo>
//
// --keep-within comes first, then secondly through yearly.
func Prune(cfg config.Config) (Invocation, error) {
	params, err := split("borg.params", cfg.Borg.Params)
	if err != nil {
		return Invocation{}, err
	}
	b, err := newBuilder(cfg, "prune")
	if err != nil {
		return Invocation{}, err
	}
	b.add("--verbose", "--stats", "--show-rc")
	if cfg.Prune.DryRun {
		b.add("--list", "--dry-run")
	}
	b.add(params...)

	keep := cfg.Prune.Keep
	for _, rule := range []struct{ flag, value string }{
		{"--keep-within", keep.Within},
		{"--keep-secondly", keep.Secondly},
		{"--keep-minutely", keep.Minutely},
		{"--keep-hourly", keep.Hourly},
		{"--keep-daily", keep.Daily},
		{"--keep-weekly", keep.Weekly},
		{"--keep-monthly", keep.Monthly},
		{"--keep-yearly", keep.Yearly},
	} {
		if rule.value != "" {
			b.add(rule.flag, rule.value)
		}
	}

	b.add(cfg.Borg.Repo)
	return Invocation{Operation: config.OperationPrune, args: b.args}, nil
}

// builder appends whitespace-normalized, non-empty tokens. A repository path
// with runs of spaces inside it is collapsed too.
type builder struct {
	args []string
}

func newBuilder(cfg config.Config, subcommand string) (*builder, error) {
	common, err := split("borg.common_opts", cfg.Borg.CommonOpts)
	if err != nil {
		return nil, err
	}
	b := &builder{}
	if cfg.Borg.Sudo {
		// sudo resets the environment; keep the passphrase across it.
		b.add("sudo", "--preserve-env="+PassphraseEnv)
	}
	binary := cfg.Borg.Binary
	if binary == "" {
		binary = "borg"
	}
	b.add(binary)
	b.add(common...)
	b.add(subcommand)
	return b, nil
}

func (b *builder) add(tokens ...string) {
	for _, tok := range tokens {
		if tok = NormalizeWhitespace(tok); tok != "" {
			b.args = append(b.args, tok)
		}
	}
}

// split tokenizes free-form options with shell quoting rules.
func split(key, s string) ([]string, error) {
	words, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", config.ErrValidateConfig, key, err)
	}
	return words, nil
}
