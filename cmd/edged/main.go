// edged is the school edge daemon: it serves the streaming study
// assistant to browser clients on the local network, keeps the
// school's knowledge packages current, and reports privacy-scoped
// usage to the district.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Populated by the build.
var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string
	debugFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "edged",
	Short: "openclass school edge daemon",
	Long: `edged mediates between browser clients on the school LAN and the
locally hosted language model: retrieval-grounded answers stream over
SSE, knowledge packages install atomically from the district catalog,
and usage telemetry uploads in privacy-scoped hourly buckets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("edged %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "edged.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
