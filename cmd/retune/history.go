package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/MrWong99/retune/internal/app"
	"github.com/MrWong99/retune/internal/history"
	"github.com/MrWong99/retune/pkg/pitch"
)

func cmdHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	target := fs.String("target", "", "only conversions to this tuning")
	ext := fs.String("ext", "", "only outputs with this extension")
	limit := fs.Int("limit", 50, "maximum rows (0 for all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}
	logger, _ := newLogger(os.Stderr, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	f := history.Filter{Extension: *ext, Limit: *limit}
	if *target != "" {
		hz, err := pitch.ParseTarget(*target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "retune: %v\n", err)
			return 2
		}
		f.TargetHz = hz
	}
	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; in-memory history does not outlive a process")
	}

	ctx, stop := signalContext()
	defer stop()

	store, closeStore, err := app.OpenHistory(ctx, cfg.History)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retune: %v\n", err)
		return 1
	}
	defer closeStore()

	recs, err := store.List(ctx, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retune: %v\n", err)
		return 1
	}
	printHistory(os.Stdout, recs)
	return 0
}

func printHistory(w io.Writer, recs []history.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tDETECTED\tTARGET\tINPUT\tOUTPUT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\t%s\t%s\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.DetectedHz,
			pitch.FormatHz(r.TargetHz), r.InputPath, r.OutputPath)
	}
	tw.Flush()
}
