// Package cli implements the tap command tree.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telemetry-tap/internal/output"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0"

var (
	cfgFile string
	printer = output.Stdout()
)

var rootCmd = &cobra.Command{
	Use:   "tap",
	Short: "Copilot telemetry tap",
	Long: `tap is an intercepting HTTP(S) proxy that captures Copilot telemetry.

Flows passing through the proxy are decoded, normalized and routed to
handlers. The resulting documents are indexed in OpenSearch and can be
archived to daily JSON files for offline analysis.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree.
func Execute() error {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		printer.Error("%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/telemetry-tap/config.yaml)")
}

// outputFlag registers the --output flag on c.
func outputFlag(c *cobra.Command) {
	c.Flags().StringP("output", "o", output.FormatTable, "output format: table, json, yaml")
}

func printerFor(c *cobra.Command) *output.Printer {
	return output.New(c.OutOrStdout(), c.ErrOrStderr())
}
