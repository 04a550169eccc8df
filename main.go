package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"uwbgateway/config"
	"uwbgateway/gateway"
	"uwbgateway/logging"
)

var version = "dev"

func main() {
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// cliState is filled by the root command before any subcommand runs.
type cliState struct {
	dataDir string
	debug   bool

	settings gateway.Settings
	cfgPath  string
}

func rootCmd() *cobra.Command {
	state := &cliState{}

	cmd := &cobra.Command{
		Use:           "uwbgateway",
		Short:         "UWB navigator gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, state)
		},
	}

	cmd.PersistentFlags().StringVar(&state.dataDir, "data-dir", "", "Data directory holding config.yaml and the history database")
	cmd.PersistentFlags().BoolVar(&state.debug, "debug", false, "Enable debug logging")
	cmd.AddCommand(serveCmd(state), diagnoseCmd(state), scanCmd(state))
	return cmd
}

func (s *cliState) load() error {
	var (
		cfg     *config.Config
		cfgPath string
		err     error
	)
	if s.dataDir != "" {
		cfg, cfgPath, err = config.LoadOrCreateIn(s.dataDir)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if s.debug {
		level = logging.LevelDebug
	}
	if err := logging.Configure(level, cfg.LogFormat); err != nil {
		return err
	}

	s.cfgPath = cfgPath
	s.settings = gateway.Settings{
		Config:  cfg,
		DataDir: filepath.Dir(cfgPath),
		Version: version,
	}
	return nil
}
