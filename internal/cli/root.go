package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/internal/logger"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/memory"
)

const version = "0.1.0"

var (
	cfgFile   string
	logLevel  string
	workspace string
	agentID   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Mnemo - agent memory search engine",
	Long: `Mnemo indexes an agent's workspace notes and conversation transcripts
into a hybrid vector+keyword store and answers ranked queries against it.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mnemo/mnemo.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace root (default from config)")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent", "", "agent id (default from config)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// runtime bundles everything a command needs after bootstrap.
type runtime struct {
	cfg     *config.Config
	log     *logger.Logger
	manager *memory.Manager
}

func (r *runtime) Close() {
	r.manager.Close()
	r.log.Close()
}

// bootstrap loads config, wires logging/tracing and opens the manager.
func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.WorkspacePath = workspace
	}
	if agentID != "" {
		cfg.AgentID = agentID
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, err
	}

	if err := tracing.InitOpenTelemetry("mnemo"); err != nil {
		zl := log.Zerolog()
		zl.Warn().Err(err).Msg("Tracing init failed")
	}

	settings := cfg.Settings()
	manager, err := memory.NewManager(ctx, memory.ManagerOptions{
		AgentID:   cfg.AgentID,
		Workspace: cfg.WorkspacePath,
		Settings:  settings,
		Logger:    log.Zerolog(),
	})
	if err != nil {
		log.Close()
		return nil, err
	}

	return &runtime{cfg: cfg, log: log, manager: manager}, nil
}
