package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/retune/internal/app"
	"github.com/MrWong99/retune/internal/config"
	"github.com/MrWong99/retune/internal/convert"
	"github.com/MrWong99/retune/pkg/pitch"
)

func cmdConvert(args []string) int {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	target := fs.String("target", "", `target tuning: "432", "528" or a frequency in Hz (default: tuning from config)`)
	outDir := fs.String("out", "converted", "output directory")
	ext := fs.String("ext", ".flac", "output format extension (.flac, .mp3, .wav)")
	batch := fs.String("batch", "", "convert every audio file in this directory")
	inExts := fs.String("in-ext", ".mp3,.wav,.flac", "input extensions considered by -batch")
	detect := fs.Bool("detect", false, "only print the detected tuning of each file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}
	logger, _ := newLogger(os.Stderr, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	targetHz := cfg.Tuning.Hz()
	if *target != "" {
		hz, err := pitch.ParseTarget(*target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "retune: %v\n", err)
			return 2
		}
		targetHz = hz
	}

	files := fs.Args()
	if *batch != "" {
		found, err := convert.ListInputs(*batch, strings.Split(*inExts, ","))
		if err != nil {
			fmt.Fprintf(os.Stderr, "retune: %v\n", err)
			return 1
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "retune: no input files (pass files or -batch dir)")
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	store, closeStore, err := app.OpenHistory(ctx, cfg.History)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retune: %v\n", err)
		return 1
	}
	defer closeStore()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	opts := []convert.Option{}
	if f, err := reg.Shifter(cfg.Shifter.Name); err == nil {
		opts = append(opts, convert.WithShifter(f, cfg.Shifter.Options))
	}
	conv := convert.New(cfg.Converter, store, opts...)

	if *detect {
		code := 0
		for _, f := range files {
			hz, err := conv.DetectTuning(ctx, f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", f, err)
				code = 1
				continue
			}
			fmt.Printf("%s\t%.2f Hz\n", f, hz)
		}
		return code
	}

	// A single explicit file is always converted; lists go through the batch
	// rules (skip invalid and already-tuned files).
	if len(files) == 1 && *batch == "" {
		out := filepath.Join(*outDir, convert.OutputName(files[0], targetHz, *ext))
		res, err := conv.Convert(ctx, files[0], out, targetHz)
		printResult(os.Stdout, res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "retune: %v\n", err)
			return 1
		}
		return 0
	}

	report, err := conv.ConvertBatch(ctx, files, *outDir, *ext, targetHz)
	for _, r := range report.Results {
		printResult(os.Stdout, r)
	}
	fmt.Printf("\n%d converted, %d skipped, %d failed\n", report.Converted, report.Skipped, report.Failed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retune: %v\n", err)
		return 1
	}
	if report.Failed > 0 {
		return 1
	}
	return 0
}

func printResult(w io.Writer, r convert.Result) {
	switch r.Status {
	case convert.StatusConverted:
		fmt.Fprintf(w, "ok       %s -> %s (%.2f Hz, %+.3f st, %s, %s)\n",
			r.Input, r.Output, r.DetectedHz, r.Semitones, r.Stage, r.Duration.Round(time.Millisecond))
	case convert.StatusSkipped:
		fmt.Fprintf(w, "skipped  %s: %s\n", r.Input, r.Reason)
	default:
		msg := r.Reason
		if r.Err != nil {
			msg = r.Err.Error()
		}
		fmt.Fprintf(w, "failed   %s: %s\n", r.Input, msg)
	}
}
