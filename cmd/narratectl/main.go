package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/puckettventures/converse/internal/app"
	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/narration"
	"github.com/puckettventures/converse/pkg/textextract"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "narratectl",
		Short:         "Submit and inspect narration sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a narration session from a text, pdf or docx file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			callback, _ := cmd.Flags().GetString("callback")
			return withCore(ctx, func(core *app.Core) error {
				text, err := readManuscript(path)
				if err != nil {
					return err
				}
				sess, err := core.Narration.CreateSession(ctx, narration.CreateRequest{Text: text, CallbackURL: callback})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"session_id": sess.ID,
					"status":     sess.Status,
					"paragraphs": len(sess.Paragraphs),
				})
			})
		},
	}
	submitCmd.Flags().StringP("file", "f", "", "Manuscript to narrate (- for stdin)")
	submitCmd.Flags().String("callback", "", "URL notified when the session finishes")
	submitCmd.MarkFlagRequired("file")

	statusCmd := &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show a session's progress and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(ctx, func(core *app.Core) error {
				view, err := core.Narration.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail sessions stuck in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withCore(ctx, func(core *app.Core) error {
				n, err := core.Narration.Sweep(ctx, olderThan)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"failed": n})
			})
		},
	}
	sweepCmd.Flags().Duration("older-than", time.Hour, "Age after which an in-progress session is considered stalled")

	rootCmd.AddCommand(submitCmd, statusCmd, sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withCore(ctx context.Context, fn func(*app.Core) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	core, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(core)
}

func readManuscript(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
		path = "stdin.txt"
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read manuscript: %w", err)
	}
	kind, err := textextract.Kind(filepath.Base(path), "")
	if err != nil {
		return "", err
	}
	return textextract.Extract(bytes.NewReader(data), int64(len(data)), kind)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
