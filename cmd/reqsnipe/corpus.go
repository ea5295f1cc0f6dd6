package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/funnyzak/reqsnipe/internal/capture"
	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"github.com/funnyzak/reqsnipe/internal/report"
	"github.com/funnyzak/reqsnipe/internal/storage"
	"github.com/funnyzak/reqsnipe/pkg/request"
)

const bodyPreviewWidth = 48

func newCorpusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Inspect or manage the captured requests in the configured storage",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List captured requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCorpus(cmd, func(_ context.Context, store *capture.Store, _ *config.Config, _ logger.Logger) error {
				printCorpus(cmd.OutOrStdout(), store.List())
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all captured requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCorpus(cmd, func(ctx context.Context, store *capture.Store, cfg *config.Config, log logger.Logger) error {
				size := store.Size()
				if err := store.Clear(ctx); err != nil {
					return err
				}
				reporter := report.Multi{report.NewLogReporter(log), report.NewPrinter(&cfg.Output, log)}
				reporter.Report(report.Info(report.KindClear, fmt.Sprintf("cleared %d captured requests", size), "removed", size))
				return nil
			})
		},
	}

	var format, output string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export captured requests as JSON or YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCorpus(cmd, func(_ context.Context, store *capture.Store, _ *config.Config, _ logger.Logger) error {
				data, err := encodeCorpus(store.List(), format)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				return os.WriteFile(output, data, 0o600)
			})
		},
	}
	export.Flags().StringVarP(&format, "format", "f", "json", "Export format (json, yaml)")
	export.Flags().StringVar(&output, "out", "", "Write to file instead of stdout")

	cmd.AddCommand(list, clearCmd, export)
	return cmd
}

// withCorpus opens the configured storage, restores the corpus and hands it to fn.
func withCorpus(cmd *cobra.Command, fn func(context.Context, *capture.Store, *config.Config, logger.Logger) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.NewLogger(&cfg.Log, cfg.Output.Mode)

	st, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	store := capture.NewStore(st, capture.Options{
		Key:          cfg.Storage.Key,
		TokenHeader:  cfg.Target.TokenHeader,
		CookieHeader: cfg.Target.CookieHeader,
	})
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := store.Restore(ctx); err != nil {
		return err
	}
	return fn(ctx, store, cfg, log)
}

func encodeCorpus(items []request.Template, format string) ([]byte, error) {
	if items == nil {
		items = []request.Template{}
	}
	switch strings.ToLower(format) {
	case "json":
		data, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "yaml", "yml":
		return yaml.Marshal(items)
	default:
		return nil, fmt.Errorf("unsupported export format %q (use json or yaml)", format)
	}
}

func printCorpus(w io.Writer, items []request.Template) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No captured requests.")
		return
	}
	for i, tmpl := range items {
		captured := "unknown"
		if !tmpl.CapturedAt.IsZero() {
			captured = humanize.Time(tmpl.CapturedAt)
		}
		preview := strings.Join(strings.Fields(tmpl.Options.Body), " ")
		preview = runewidth.Truncate(preview, bodyPreviewWidth, "...")
		fmt.Fprintf(w, "#%-3d %-6s %s\n", i+1, tmpl.Options.Method, tmpl.URL)
		fmt.Fprintf(w, "     via %s, %s, %s body: %s\n",
			tmpl.Source, captured, humanize.Bytes(uint64(len(tmpl.Options.Body))), preview)
	}
	fmt.Fprintf(w, "%d captured request(s)\n", len(items))
}
