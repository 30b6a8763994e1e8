// Package convert re-tunes audio files offline.
//
// A conversion validates the input with ffmpeg, estimates its tuning from
// the spectrum of the first seconds, transcodes it to a stereo WAV, shifts
// the pitch by the interval from 440 Hz to the target, and exports the result
// with format-specific quality flags. The pitch-shift step prefers the
// rubberband CLI and falls back to the built-in shifter; each is guarded by a
// circuit breaker so a missing binary is skipped for the rest of a batch.
//
// Every finished conversion is appended to a [history.Store].
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/retune/internal/config"
	"github.com/MrWong99/retune/internal/history"
	"github.com/MrWong99/retune/internal/observe"
	"github.com/MrWong99/retune/internal/resilience"
	"github.com/MrWong99/retune/pkg/audio"
	"github.com/MrWong99/retune/pkg/pitch"
	"github.com/MrWong99/retune/pkg/provider/shifter"
	"github.com/MrWong99/retune/pkg/provider/shifter/algodsp"
)

// ErrInvalidAudio is returned by [Converter.Validate] when ffmpeg cannot
// decode the file.
var ErrInvalidAudio = errors.New("convert: not a valid audio file")

// NearTargetHz is the distance below which a batch treats a file as already
// tuned to the target.
const NearTargetHz = 1.0

// Result statuses.
const (
	StatusConverted = "ok"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Result describes the outcome for one input file.
type Result struct {
	Input      string
	Output     string
	DetectedHz float64
	TargetHz   float64
	Semitones  float64

	// Stage is the pitch-shift stage that produced the output.
	Stage string

	Status   string
	Reason   string
	Err      error
	Duration time.Duration
}

// BatchReport summarises [Converter.ConvertBatch].
type BatchReport struct {
	Results   []Result
	Converted int
	Skipped   int
	Failed    int
}

// Converter runs offline conversions. It is safe for concurrent use.
type Converter struct {
	cfg            config.ConverterConfig
	store          history.Store
	runner         Runner
	metrics        *observe.Metrics
	newShifter     shifter.Factory
	shifterOptions map[string]any
	breaker        resilience.BreakerConfig
	tempDir        string
	log            *slog.Logger

	stages *resilience.Chain[stageFunc]
}

// Option configures a [Converter].
type Option func(*Converter)

// WithRunner replaces the os/exec runner.
func WithRunner(r Runner) Option { return func(c *Converter) { c.runner = r } }

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(c *Converter) { c.metrics = m } }

// WithShifter sets the factory and options used by the built-in stage.
// Default: the WSOLA shifter with no options.
func WithShifter(f shifter.Factory, opts map[string]any) Option {
	return func(c *Converter) {
		c.newShifter = f
		c.shifterOptions = opts
	}
}

// WithBreaker sets the circuit breaker template for the shift stages.
func WithBreaker(cfg resilience.BreakerConfig) Option {
	return func(c *Converter) { c.breaker = cfg }
}

// WithTempDir sets the parent directory for per-conversion scratch files.
// Default: [os.TempDir].
func WithTempDir(dir string) Option { return func(c *Converter) { c.tempDir = dir } }

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option { return func(c *Converter) { c.log = l } }

// New creates a Converter that records into store.
func New(cfg config.ConverterConfig, store history.Store, opts ...Option) *Converter {
	c := &Converter{
		cfg:        cfg,
		store:      store,
		runner:     ExecRunner{},
		newShifter: algodsp.NewWSOLA,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.stages = resilience.NewChain[stageFunc](StageRubberband, c.rubberband,
		resilience.WithBreakerConfig(c.breaker),
		resilience.WithFallbackHook(func(name string, err error) {
			c.metrics.RecordStageFallback(context.Background(), name)
		}),
	)
	c.stages.Add(StageBuiltin, c.builtin)
	return c
}

// Validate checks that path exists and decodes cleanly.
func (c *Converter) Validate(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("convert: %q is a directory: %w", path, ErrInvalidAudio)
	}
	args := []string{"-v", "error", "-i", path, "-f", "null", "-"}
	if err := c.runner.Run(ctx, c.cfg.FFmpegPath, args, nil, nil); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %q: %w", ErrInvalidAudio, path, err)
	}
	return nil
}

// DetectTuning estimates the dominant frequency of the first
// SampleSeconds of path.
func (c *Converter) DetectTuning(ctx context.Context, path string) (float64, error) {
	var raw bytes.Buffer
	args := []string{
		"-v", "error", "-i", path,
		"-t", strconv.FormatFloat(c.cfg.SampleSeconds, 'f', -1, 64),
		"-ac", "1", "-ar", strconv.Itoa(c.cfg.SampleRate),
		"-f", "f32le", "-",
	}
	if err := c.runner.Run(ctx, c.cfg.FFmpegPath, args, nil, &raw); err != nil {
		return 0, fmt.Errorf("convert: extract sample: %w", err)
	}
	hz, err := PeakFrequency(audio.DecodeF32LE(raw.Bytes()), c.cfg.SampleRate)
	if err != nil {
		return 0, fmt.Errorf("convert: detect tuning of %q: %w", path, err)
	}
	return hz, nil
}

// Convert re-tunes in to targetHz and writes out. The output format follows
// the extension of out.
func (c *Converter) Convert(ctx context.Context, in, out string, targetHz float64) (Result, error) {
	res := Result{Input: in, Output: out, TargetHz: targetHz}
	if err := pitch.ValidateTargetHz(targetHz); err != nil {
		return c.finish(ctx, res, time.Now(), err)
	}
	start := time.Now()
	if err := c.Validate(ctx, in); err != nil {
		return c.finish(ctx, res, start, err)
	}
	detected, err := c.DetectTuning(ctx, in)
	if err != nil {
		return c.finish(ctx, res, start, err)
	}
	res.DetectedHz = detected
	return c.convert(ctx, res, start)
}

// convert runs the transcode, shift and export steps for a validated input
// whose tuning is already known.
func (c *Converter) convert(ctx context.Context, res Result, start time.Time) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "convert.file", trace.WithAttributes(
		attribute.String("input", res.Input),
		attribute.Float64("target_hz", res.TargetHz),
	))
	defer span.End()

	ratio := pitch.RatioFor(res.TargetHz)
	res.Semitones = pitch.Semitones(ratio)

	tmp, err := os.MkdirTemp(c.tempDir, "retune-*")
	if err != nil {
		return c.finish(ctx, res, start, fmt.Errorf("convert: temp dir: %w", err))
	}
	defer os.RemoveAll(tmp)

	wav := filepath.Join(tmp, "input.wav")
	shifted := filepath.Join(tmp, "shifted.wav")
	rate := strconv.Itoa(c.cfg.SampleRate)

	transcode := []string{"-v", "error", "-y", "-i", res.Input, "-ac", "2", "-ar", rate, wav}
	if err := c.runner.Run(ctx, c.cfg.FFmpegPath, transcode, nil, nil); err != nil {
		return c.finish(ctx, res, start, fmt.Errorf("convert: transcode to wav: %w", err))
	}

	job := shiftJob{in: wav, out: shifted, semitones: res.Semitones, ratio: ratio, sampleRate: c.cfg.SampleRate}
	res.Stage, err = c.stages.Do(ctx, func(ctx context.Context, stage stageFunc) error {
		return stage(ctx, job)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return c.finish(ctx, res, start, fmt.Errorf("convert: pitch shift: %w", err))
	}
	span.SetAttributes(attribute.String("stage", res.Stage))

	if dir := filepath.Dir(res.Output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return c.finish(ctx, res, start, fmt.Errorf("convert: output dir: %w", err))
		}
	}
	export := []string{"-v", "error", "-y", "-i", shifted}
	export = append(export, QualityFlags(filepath.Ext(res.Output), c.cfg.Quality)...)
	export = append(export, res.Output)
	if err := c.runner.Run(ctx, c.cfg.FFmpegPath, export, nil, nil); err != nil {
		return c.finish(ctx, res, start, fmt.Errorf("convert: export: %w", err))
	}

	if _, err := c.store.Append(ctx, history.Record{
		InputPath:  res.Input,
		OutputPath: res.Output,
		DetectedHz: res.DetectedHz,
		TargetHz:   res.TargetHz,
	}); err != nil {
		// The file exists; only the bookkeeping failed.
		c.log.Warn("convert: history append failed", "output", res.Output, "err", err)
	}
	return c.finish(ctx, res, start, nil)
}

// finish stamps status and duration, records metrics and logs the outcome.
func (c *Converter) finish(ctx context.Context, res Result, start time.Time, err error) (Result, error) {
	res.Duration = time.Since(start)
	res.Err = err
	if res.Status == "" {
		res.Status = StatusConverted
		if err != nil {
			res.Status = StatusFailed
		}
	}
	c.metrics.RecordConversion(context.WithoutCancel(ctx), res.Status, res.Duration)

	switch res.Status {
	case StatusConverted:
		c.log.Info("converted",
			"input", res.Input,
			"output", res.Output,
			"detected_hz", math.Round(res.DetectedHz*100)/100,
			"target_hz", res.TargetHz,
			"stage", res.Stage,
			"duration", res.Duration,
		)
	case StatusSkipped:
		c.log.Info("skipped", "input", res.Input, "reason", res.Reason)
	default:
		c.log.Warn("conversion failed", "input", res.Input, "err", err)
	}
	return res, err
}

// OutputName returns "<stem>_<target>Hz<ext>" for input.
func OutputName(input string, targetHz float64, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return stem + "_" + pitch.FormatHz(targetHz) + "Hz" + strings.ToLower(ext)
}

// ConvertBatch converts files into outDir with the given output extension.
// Invalid files and, when configured, files already within [NearTargetHz]
// of the target are skipped. Per-file failures are reported in the
// [BatchReport]; the returned error is non-nil only if ctx ends the batch
// early or outDir cannot be created.
func (c *Converter) ConvertBatch(ctx context.Context, files []string, outDir, ext string, targetHz float64) (BatchReport, error) {
	if err := pitch.ValidateTargetHz(targetHz); err != nil {
		return BatchReport{}, fmt.Errorf("convert: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return BatchReport{}, fmt.Errorf("convert: output dir: %w", err)
	}

	results := make([]Result, len(files))
	var g errgroup.Group
	g.SetLimit(max(c.cfg.Workers, 1))
	for i, in := range files {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = Result{Input: in, TargetHz: targetHz, Status: StatusFailed, Err: ctx.Err()}
				return nil
			}
			c.log.Debug("batch: processing", "file", in, "index", i+1, "total", len(files))
			results[i] = c.batchOne(ctx, in, filepath.Join(outDir, OutputName(in, targetHz, ext)), targetHz)
			return nil
		})
	}
	_ = g.Wait()

	rep := BatchReport{Results: results}
	for _, r := range results {
		switch r.Status {
		case StatusConverted:
			rep.Converted++
		case StatusSkipped:
			rep.Skipped++
		default:
			rep.Failed++
		}
	}
	c.log.Info("batch complete",
		"files", len(files),
		"converted", rep.Converted,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
	)
	return rep, ctx.Err()
}

func (c *Converter) batchOne(ctx context.Context, in, out string, targetHz float64) Result {
	start := time.Now()
	res := Result{Input: in, Output: out, TargetHz: targetHz}

	if err := c.Validate(ctx, in); err != nil {
		res.Status = StatusSkipped
		res.Reason = "invalid audio: " + err.Error()
		res, _ = c.finish(ctx, res, start, err)
		return res
	}
	detected, err := c.DetectTuning(ctx, in)
	if err != nil {
		res, _ = c.finish(ctx, res, start, err)
		return res
	}
	res.DetectedHz = detected
	if c.cfg.SkipsNearTarget() && math.Abs(detected-targetHz) < NearTargetHz {
		res.Status = StatusSkipped
		res.Reason = fmt.Sprintf("already near target (%.2f Hz)", detected)
		res, _ = c.finish(ctx, res, start, nil)
		return res
	}
	res, _ = c.convert(ctx, res, start)
	return res
}

// ListInputs returns the regular files in dir whose lowercase name ends with
// one of exts, in directory order.
func ListInputs(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("convert: list %q: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() && e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		name := strings.ToLower(e.Name())
		for _, ext := range exts {
			if strings.HasSuffix(name, strings.ToLower(ext)) {
				out = append(out, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	return out, nil
}
