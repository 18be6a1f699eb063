package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/grading-queue/internal/cli"
	"github.com/fpang/grading-queue/internal/review"
)

var (
	allFlag bool
	yesFlag bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show graded work waiting for review",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		s, err := openSession(ctx, "list")
		if err != nil {
			return err
		}
		defer closeSession(s)

		cli.PrintProcessing(os.Stdout, s.Store.Processing(), time.Now())
		cli.PrintReviews(os.Stdout, s.Store.PendingReviews())
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <review> [index] [true|false]",
	Short: "Show a review, or correct one of its results",
	Long: `Edit overrides the grader's verdict on one result of a review. The change
stays local until the review is confirmed. With only a review argument, the
review's results are printed.

A review is named by its review id or its submission id.`,
	Args: cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			return errors.New("edit needs both an index and a verdict")
		}
		ctx, cancel := signalContext()
		defer cancel()
		s, err := openSession(ctx, "edit")
		if err != nil {
			return err
		}
		defer closeSession(s)

		item, err := cli.ResolveReview(s.Store, args[0])
		if err != nil {
			return err
		}
		if len(args) == 3 {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("index %q: %w", args[1], cli.ErrInvalidArgument)
			}
			correct, err := cli.ParseCorrectness(args[2])
			if err != nil {
				return err
			}
			if err := s.Reviews.SetEdit(item.ID, index, correct); err != nil {
				return err
			}
			item, _ = s.Store.GetPendingReview(item.ID)
		}
		cli.PrintReview(os.Stdout, item)
		return nil
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm [review]",
	Short: "Confirm reviewed work with the grading service",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if allFlag == (len(args) == 1) {
			return errors.New("name one review or pass --all")
		}
		ctx, cancel := signalContext()
		defer cancel()
		s, err := openSession(ctx, "confirm")
		if err != nil {
			return err
		}
		defer closeSession(s)

		if allFlag {
			res, err := s.Reviews.ConfirmAllReviews(ctx)
			cli.PrintBulkResult(os.Stdout, res)
			return err
		}

		item, err := cli.ResolveReview(s.Store, args[0])
		if err != nil {
			return err
		}
		if err := s.Reviews.ConfirmReview(ctx, item.ID); err != nil {
			return err
		}
		fmt.Printf("Confirmed #%d: %s\n", item.SubmissionID, review.Describe(item))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [review]",
	Short: "Delete a submission, or every pending review with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if allFlag == (len(args) == 1) {
			return errors.New("name one review or pass --all")
		}
		ctx, cancel := signalContext()
		defer cancel()
		s, err := openSession(ctx, "delete")
		if err != nil {
			return err
		}
		defer closeSession(s)

		if allFlag {
			n := len(s.Store.PendingReviews())
			if n == 0 {
				fmt.Println("Nothing to delete.")
				return nil
			}
			if !yesFlag && !cli.Confirm(os.Stdin, os.Stdout, fmt.Sprintf("Delete %d submission(s)? This cannot be undone.", n)) {
				fmt.Println("Aborted. Nothing was deleted.")
				return nil
			}
			return s.Reviews.ClearAllReviews(ctx)
		}

		item, err := cli.ResolveReview(s.Store, args[0])
		if err != nil {
			return err
		}
		if err := s.Reviews.DeleteReview(ctx, item.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted #%d\n", item.SubmissionID)
		return nil
	},
}

var retypeCmd = &cobra.Command{
	Use:   "retype <review> <math|english|chinese>",
	Short: "Regrade a submission as another subject",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, err := cli.ParseExplicitSubject(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		s, err := openSession(ctx, "retype")
		if err != nil {
			return err
		}
		defer closeSession(s)

		item, err := cli.ResolveReview(s.Store, args[0])
		if err != nil {
			return err
		}
		if err := s.Reviews.ChangeReviewType(ctx, item.ID, subject); err != nil {
			return err
		}
		fmt.Printf("#%d is being regraded as %s\n", item.SubmissionID, subject)
		return nil
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override <review> <pass|fail>",
	Short: "Override the pass/fail verdict of a handwriting review",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		passed, err := cli.ParseVerdict(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		s, err := openSession(ctx, "override")
		if err != nil {
			return err
		}
		defer closeSession(s)

		item, err := cli.ResolveReview(s.Store, args[0])
		if err != nil {
			return err
		}
		if err := s.Reviews.OverrideNeatness(ctx, item.ID, passed); err != nil {
			return err
		}
		if updated, ok := s.Store.PendingBySubmission(item.SubmissionID); ok {
			item = updated
		}
		fmt.Printf("#%d: %s\n", item.SubmissionID, review.Describe(item))
		return nil
	},
}

func init() {
	confirmCmd.Flags().BoolVar(&allFlag, "all", false, "Confirm every pending review")
	deleteCmd.Flags().BoolVar(&allFlag, "all", false, "Delete every pending review")
	deleteCmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "Do not ask before deleting everything")
}
