package cmd

import (
	"github.com/kebairia/borgmon/internal/config"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Run borg create and report its JSON stats and exit status",
	Long: `Runs
  borg create --verbose --stats --json --show-rc <params> <repo>::<archive> <path>
and sends the JSON document (jsonRaw) and the exit status (exitStatus).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, config.OperationCreate)
	},
}

func init() {
	createCmd.Flags().String("borg-path", "", "source directory for borg to read from (required)")
	createCmd.Flags().String("borg-archive", "", "archive name (default: current UTC time as YYYYMMDDTHHMMSS)")
}
