package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"consejo/internal/config"
	"consejo/internal/logging"
)

var (
	configPath string
	empresa    string
	userID     string
	asAdmin    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "consejo",
	Short: "consejo - multi-agent deliberation engine for service contracting",
	Long: `consejo drives a submitted project through a pipeline of specialized
reviewers (strategic, fiscal, financial, legal, optional auditor) and keeps a
per-project defense file: every decision, rationale, and piece of retrieved
evidence, ready for an audit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return logging.Initialize(logging.Options{
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.Format == "json",
			File:       cfg.Logging.File,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "consejo.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&empresa, "empresa", "", "company id the call acts for")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "operator", "caller identity")
	rootCmd.PersistentFlags().BoolVar(&asAdmin, "admin", false, "act with the admin role")

	rootCmd.AddCommand(deliberateCmd, statusCmd, resumeCmd, cancelCmd, exportCmd, ingestCmd, companyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
