package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagEnv       string
	flagConfigDir string
	flagJSON      bool
)

var rootCmd = &cobra.Command{
	Use:   "agencyctl",
	Short: "Operator CLI for milestone billing, retainers and maintenance",
	Long: `agencyctl runs the same operations as the HTTP service directly against the database:
generate maintenance tasks, inspect retainer usage, list unbilled milestones and send retainer alerts.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnv, "env", "", "config environment (defaults to CONFIG_ENV or local)")
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "config directory (defaults to CONFIG_DIR or ./config)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON instead of tables")

	maintenanceCmd.AddCommand(maintenanceGenerateCmd)
	maintenanceCmd.AddCommand(maintenanceUpcomingCmd)
	retainersCmd.AddCommand(retainersReportCmd)
	milestonesCmd.AddCommand(milestonesUnbilledCmd)
	alertsCmd.AddCommand(alertsCheckCmd)
	outboxCmd.AddCommand(outboxRequeueCmd)
	outboxCmd.AddCommand(outboxFailedCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(retainersCmd)
	rootCmd.AddCommand(milestonesCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
