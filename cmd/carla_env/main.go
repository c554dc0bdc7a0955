// Command carla_env runs the driving environment against a simulator,
// records its episodes and exports them.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/roadrl/carlaenv/internal/config"
)

// BuildDate and Version can be set at build time via ldflags
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// AppName names log files and the environment row in recording databases.
const AppName = "carla_env"

type rootOptions struct {
	configDir string
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           AppName,
		Short:         "Synchronous driving environment on top of the CARLA simulator",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", ".", "directory holding "+config.FileName+" and .env")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newRunCmd(opts),
		newPortCmd(opts),
		newExportCmd(opts),
		newVersionCmd(),
	)
	return root
}
