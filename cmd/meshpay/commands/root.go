package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshpay/internal/logging"
)

var (
	home     string
	logLevel string
	logFile  string
	log      *zap.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:   "meshpay",
		Short: "Offline peer-to-peer payment node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".meshpay")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			opts := logging.DefaultOptions()
			opts.Level = logLevel
			opts.File = logFile
			log = logging.New(opts)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = log.Sync()
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.meshpay)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file")

	root.AddCommand(keygenCmd(), runCmd(), demoCmd())
	return root.Execute()
}
