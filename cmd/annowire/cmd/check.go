package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/config"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check <config-file-or-directory>...",
	Short: "Validate configuration files",
	Long: `Parse and validate HCL configuration files without opening any
connections. Reports every diagnostic the configuration produces.

Examples:
  annowire check annowire.hcl
  annowire check /etc/annowire/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	sources := make([]any, len(args))
	for i, arg := range args {
		sources[i] = arg
	}

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(sources...).
		Build()

	for _, diag := range diags {
		fmt.Println(diag.Error())
	}
	if diags.HasErrors() {
		return fmt.Errorf("configuration is invalid: %d error(s)", len(diags.Errs()))
	}

	logger.Info("Configuration is valid",
		zap.String("endpoint", cfg.Client.Endpoint),
		zap.Int64("user", cfg.Client.UserID))
	return nil
}
