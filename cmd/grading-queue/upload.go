package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ncruces/zenity"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/grading-queue/internal/cli"
	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/media"
	"github.com/fpang/grading-queue/internal/session"
)

var (
	typeFlag     string
	pickFlag     bool
	noWaitFlag   bool
	maxDepthFlag int
	limitFlag    int
)

var uploadCmd = &cobra.Command{
	Use:   "upload [paths...]",
	Short: "Upload homework files and wait for grading",
	Long: `Upload scans homework files and directories, uploads them to the grading
service as one batch and waits until every submission is graded. Graded work
lands in the pending-review list.

Files whose subject the service cannot detect are asked about interactively,
unless --type names the subject up front.

Examples:
  grading-queue upload page1.jpg page2.jpg
  grading-queue upload ./scans --type english --max-depth 1
  grading-queue upload --pick --no-wait`,
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVarP(&typeFlag, "type", "t", "", "Subject when it cannot be detected: math, english or chinese")
	uploadCmd.Flags().BoolVar(&pickFlag, "pick", false, "Choose files with the native file picker")
	uploadCmd.Flags().BoolVar(&noWaitFlag, "no-wait", false, "Return after uploading instead of waiting for grading")
	uploadCmd.Flags().IntVar(&maxDepthFlag, "max-depth", 0, "Maximum directory recursion depth (0 = unlimited)")
	uploadCmd.Flags().IntVar(&limitFlag, "limit", 0, "Maximum files to upload (0 = unlimited)")
}

func runUpload(cmd *cobra.Command, args []string) error {
	fallback, ok := grading.ParseSubject(typeFlag)
	if !ok {
		return fmt.Errorf("--type %q: must be math, english or chinese", typeFlag)
	}

	paths := args
	if pickFlag {
		picked, err := pickFiles()
		if err != nil {
			return err
		}
		paths = append(paths, picked...)
	}
	if len(paths) == 0 {
		paths = cli.PromptForPaths(os.Stdin, os.Stdout)
	}
	if len(paths) == 0 {
		return errors.New("no files to upload")
	}

	files, err := media.Collect(paths, media.ScanOptions{MaxDepth: maxDepthFlag, Limit: limitFlag})
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no supported homework files found")
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, "upload")
	if err != nil {
		return err
	}
	defer closeSession(s)

	fmt.Printf("Uploading %d file(s)...\n", len(files))
	sum := s.Upload(ctx, files, fallback)
	cli.PrintUploadSummary(os.Stdout, sum, s.Store.Snapshot())

	if sum.NeedsType > 0 {
		resolveNeedsType(ctx, s)
	}

	if noWaitFlag {
		fmt.Println("Not waiting for grading. Run `grading-queue list` later to see results.")
		return nil
	}
	if err := waitForGrading(ctx, s); err != nil {
		return err
	}
	cli.PrintReviews(os.Stdout, s.Store.PendingReviews())
	return nil
}

// pickFiles opens the native multi-file picker.
func pickFiles() ([]string, error) {
	patterns := make([]string, 0, len(media.SupportedExtensions))
	for ext := range media.SupportedExtensions {
		patterns = append(patterns, "*"+ext)
	}
	selected, err := zenity.SelectFileMultiple(
		zenity.Title("Select homework files"),
		zenity.FileFilters{
			{Name: "Homework files", Patterns: patterns},
		},
	)
	if err != nil {
		if errors.Is(err, zenity.ErrCanceled) {
			return nil, nil
		}
		return nil, fmt.Errorf("file picker failed: %w", err)
	}
	return selected, nil
}

// resolveNeedsType asks for the subject of each file the service could not
// classify and resubmits it. Skipped files are dropped.
func resolveNeedsType(ctx context.Context, s *session.Session) {
	reader := bufio.NewReader(os.Stdin)
	for _, e := range s.Store.Snapshot().NeedsType {
		for {
			answer, ok := cli.PromptForSubject(reader, os.Stdout, e.File.Name)
			if !ok {
				s.Uploads.CancelNeedsType(e.ID)
				fmt.Printf("   Skipped %s\n", e.File.Name)
				break
			}
			subject, err := cli.ParseExplicitSubject(answer)
			if err != nil {
				fmt.Println("   Please answer math, english or chinese.")
				continue
			}
			sum, err := s.Uploads.ResolveNeedsType(ctx, e.ID, subject)
			if err != nil {
				log.Warn().Err(err).Str("file", e.File.Name).Msg("Could not resubmit file")
			} else if sum.Success == 0 {
				fmt.Printf("   %s was not accepted\n", e.File.Name)
			}
			break
		}
	}
}

// waitForGrading prints progress until every submission is graded or failed.
func waitForGrading(ctx context.Context, s *session.Session) error {
	done := make(chan error, 1)
	go func() { done <- s.WaitIdle(ctx) }()

	start := time.Now()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("stopped waiting for grading: %w", err)
			}
			fmt.Printf("All submissions finished in %s\n\n", cli.FormatDurationShort(time.Since(start)))
			return nil
		case <-ticker.C:
			fmt.Printf("   %d submission(s) still grading (%s)\n", len(s.Store.Processing()), cli.FormatDurationShort(time.Since(start)))
		}
	}
}
