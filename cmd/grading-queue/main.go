package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/grading-queue/internal/config"
	"github.com/fpang/grading-queue/internal/logging"
	"github.com/fpang/grading-queue/internal/session"
)

var version = "dev"

// Persistent flags
var (
	baseURLFlag string
	tokenFlag   string
	stateFlag   string
)

// rootCmd is the main Cobra command for the grading-queue CLI.
var rootCmd = &cobra.Command{
	Use:   "grading-queue",
	Short: "Upload homework for grading and review the results",
	Long: `Grading Queue uploads photos of homework to the grading service as one
batch, follows each submission until it is graded and keeps the graded work
in a local review list. Review results, correct them where the grader was
wrong, then confirm or delete them.

Examples:
  grading-queue upload ./scans --type math
  grading-queue upload --pick
  grading-queue list
  grading-queue edit 1042 3 true
  grading-queue confirm --all
  grading-queue serve --port 8090`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURLFlag, "base-url", "", "Grading service base URL (default $"+config.EnvBaseURL+" or "+config.DefaultBaseURL+")")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Grading service bearer token (default $"+config.EnvToken+")")
	rootCmd.PersistentFlags().StringVar(&stateFlag, "state", "", "Session state file (default $"+config.EnvStateFile+" or ~/.grading-queue/state.zst)")

	rootCmd.AddCommand(uploadCmd, listCmd, editCmd, confirmCmd, deleteCmd, retypeCmd, overrideCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if baseURLFlag != "" {
		cfg.BaseURL = baseURLFlag
	}
	if tokenFlag != "" {
		cfg.Token = tokenFlag
	}
	if stateFlag != "" {
		cfg.StateFile = stateFlag
	}
	return cfg, nil
}

// openSession builds and starts a session for a subcommand. A failed
// hydration is logged; the command continues with the saved state.
func openSession(ctx context.Context, name string) (*session.Session, error) {
	start := time.Now()
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	s, err := session.Open(ctx, cfg, os.Stdout)
	if err != nil {
		return nil, err
	}

	startup := logging.NewStartupLogger(name).
		Version(version).
		Endpoint("grading", cfg.BaseURL).
		Feature("metrics", cfg.Metrics).
		Feature("s3Previews", cfg.PreviewBucket != "").
		Config("stateFile", cfg.StateFile).
		Config("pollInterval", cfg.PollInterval.String()).
		Config("pollTimeout", cfg.PollTimeout.String())
	if cfg.PreviewBucket != "" {
		startup.S3Bucket("previews", cfg.PreviewBucket)
	}
	if cfg.TokenParam != "" {
		startup.SSMParam("apiToken", cfg.TokenParam)
	}

	if err := s.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not load pending reviews from the grading service, showing saved state")
	}
	startup.InitDuration(time.Since(start)).Log()
	return s, nil
}

// closeSession saves state. Close logs its own failure and the command's
// outcome is already decided, so the error is dropped.
func closeSession(s *session.Session) {
	_ = s.Close()
}
