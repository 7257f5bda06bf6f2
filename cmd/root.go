package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kebairia/borgmon/internal/borg"
	"github.com/kebairia/borgmon/internal/config"
	"github.com/kebairia/borgmon/internal/logger"
	"github.com/kebairia/borgmon/internal/monitor"
	"github.com/kebairia/borgmon/internal/operations"
	"github.com/kebairia/borgmon/internal/runner"
	"github.com/kebairia/borgmon/internal/secret"
	"github.com/kebairia/borgmon/internal/vault"
	"github.com/spf13/cobra"
)

// ConfigFile is the path to the optional YAML configuration.
var (
	ConfigFile string
	verbose    bool

	// rootCmd is the base command for borgmon.
	rootCmd = &cobra.Command{
		Use:   "borgmon",
		Short: "Run borg create/prune and report the results to Zabbix",
		Long: `borgmon wraps borg create and borg prune, extracts the statistics
borg reports and sends them to a Zabbix proxy through zabbix_sender.

Example: back up /mnt/myserver into /mnt/backup/borg/myserver and report to
the proxy at 10.0.0.20 for the host "myserver":

  borgmon create \
    --zabhost myserver \
    --zabproxy 10.0.0.20 \
    --borg-params "--compression lz4 --exclude '/mnt/myserver/proc/*'" \
    --borg-path /mnt/myserver \
    --borg-repo /mnt/backup/borg/myserver`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// flagBindings maps config keys to the flags that override them.
var flagBindings = map[string]string{
	"borg.binary":            "borg-binary",
	"borg.repo":              "borg-repo",
	"borg.params":            "borg-params",
	"borg.common_opts":       "common-opts",
	"borg.sudo":              "sudo",
	"create.archive":         "borg-archive",
	"create.path":            "borg-path",
	"prune.dry_run":          "dry-run",
	"prune.strict":           "strict-stats",
	"prune.keep.within":      "keep-within",
	"prune.keep.secondly":    "keep-secondly",
	"prune.keep.minutely":    "keep-minutely",
	"prune.keep.hourly":      "keep-hourly",
	"prune.keep.daily":       "keep-daily",
	"prune.keep.weekly":      "keep-weekly",
	"prune.keep.monthly":     "keep-monthly",
	"prune.keep.yearly":      "keep-yearly",
	"passphrase.file":        "passphrase-file",
	"passphrase.vault_path":  "passphrase-vault-path",
	"passphrase.vault_field": "passphrase-vault-field",
	"vault.address":          "vault-address",
	"vault.role_id":          "vault-role-id",
	"vault.role_name":        "vault-role-name",
	"zabbix.host":            "zabhost",
	"zabbix.proxy":           "zabproxy",
	"zabbix.sender":          "zabsender",
	"transcript.directory":   "transcript-dir",
	"transcript.compress":    "transcript-compress",
	"log.level":              "log-level",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		logger.Cleanup()
		os.Exit(1)
	}
	logger.Cleanup()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&ConfigFile, "config", "c", "", "path to YAML config file")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log captured borg and zabbix_sender output (same as --log-level debug)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")

	pf.String("zabhost", "", "Zabbix host to attach data to")
	pf.String("zabproxy", "", "Zabbix proxy to send data to (required)")
	pf.String("zabsender", "/usr/bin/zabbix_sender", "path to zabbix_sender")

	pf.String("borg-repo", "", "borg repository (required)")
	pf.String("borg-params", "", "additional borg parameters as a quoted string")
	pf.String("common-opts", "", "borg common options placed before the subcommand")
	pf.String("borg-binary", "borg", "borg executable")
	pf.Bool("sudo", false, "run borg through sudo, preserving the passphrase variable")

	pf.String("passphrase-file", "", "file holding the repository passphrase")
	pf.String("passphrase-vault-path", "", "Vault path holding the repository passphrase")
	pf.String("passphrase-vault-field", "passphrase", "field of the Vault secret holding the passphrase")
	pf.String("vault-address", "", "Vault address (defaults to VAULT_ADDR)")
	pf.String("vault-role-id", "", "Vault AppRole role_id")
	pf.String("vault-role-name", "", "Vault AppRole name")

	pf.String("transcript-dir", "", "directory to keep a transcript of every run")
	pf.Bool("transcript-compress", true, "zstd-compress transcript output files")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(pruneCmd)
}

// runOperation loads the configuration for op and runs the pipeline once.
func runOperation(cmd *cobra.Command, op config.Operation) error {
	var cfg config.Config
	if err := cfg.Load(ConfigFile, cmd.Flags(), flagBindings); err != nil {
		return err
	}
	cfg.Operation = op
	if verbose {
		cfg.Log.Level = "debug"
	}

	log, err := logger.Init(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	if err := cfg.Validate(time.Now()); err != nil {
		return err
	}

	ctx := cmd.Context()
	scope := newPassphraseScope(cfg, log)

	r := runner.New(runner.WithLogger(log))
	sender := monitor.NewPipeSender(cfg.Zabbix.Sender, cfg.Zabbix.Proxy, r, log)
	operator := operations.NewOperator(cfg, r, sender, scope,
		operations.WithLogger(log),
		operations.WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()),
	)
	return operator.Run(ctx)
}

// newPassphraseScope lists the passphrase sources in priority order. The
// Vault client is only created, and AppRole login only attempted, when the
// scope falls through to Vault.
func newPassphraseScope(cfg config.Config, log logger.Logger) *secret.Scope {
	var sources []secret.Source
	if cfg.Passphrase.File != "" {
		sources = append(sources, secret.FileSource{Path: cfg.Passphrase.File})
	}
	if cfg.Passphrase.VaultPath != "" {
		vc := cfg.Vault
		sources = append(sources, secret.VaultSource{
			Connect: func(ctx context.Context) (secret.FieldReader, error) {
				client, err := vault.NewClient(ctx,
					vault.WithAddress(vc.Address),
					vault.WithToken(vc.Token),
					vault.WithAppRole(vc.RoleID, vc.RoleName),
				)
				if err != nil {
					return nil, fmt.Errorf("vault client init: %w", err)
				}
				return client, nil
			},
			Path:  cfg.Passphrase.VaultPath,
			Field: cfg.Passphrase.VaultField,
		})
	}
	return secret.NewScope(borg.PassphraseEnv, log, sources...)
}
