package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cms-dev/cms-sub006/internal/logging"
)

var (
	flagServer    string
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default status API URL, checking the CMS_SERVER
// env var first.
func defaultServer() string {
	if s := os.Getenv("CMS_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

func defaultConfig() string {
	if s := os.Getenv("CMS_CONFIG"); s != "" {
		return s
	}
	return ""
}

// NewRootCmd creates the root cobra command for the cmsctl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cmsctl",
		Short: "cmsctl — control the contest evaluation cluster",
		Long:  "cmsctl submits sources for evaluation and inspects the queue, workers and services.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "evaluation service API URL (or CMS_SERVER env)")
	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfig(), "cluster address file for RPC commands (or CMS_CONFIG env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newTokenCmd(),
		newQueueCmd(),
		newWorkersCmd(),
		newPingCmd(),
	)

	return root
}
