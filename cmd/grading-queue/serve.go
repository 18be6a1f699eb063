package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/grading-queue/internal/api"
)

var (
	portFlag      int
	uploadDirFlag string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the grading session behind a local JSON API",
	Long: `Serve keeps a grading session running and exposes it as a JSON API on
localhost, for a browser review panel. Submissions keep being polled while the
server runs; the session state is saved on shutdown.

Examples:
  grading-queue serve
  grading-queue serve --port 9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 8090, "Port to listen on")
	serveCmd.Flags().StringVar(&uploadDirFlag, "upload-dir", filepath.Join(os.TempDir(), "grading-queue-uploads"), "Directory for files uploaded through the API")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, "serve")
	if err != nil {
		return err
	}
	defer closeSession(s)

	srv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", portFlag),
		Handler:      api.New(s, uploadDirFlag).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	log.Info().Int("port", portFlag).Str("uploadDir", uploadDirFlag).Msg("Starting API server")
	fmt.Printf("\n  Grading queue API: http://localhost:%d/api/queue\n\n", portFlag)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
