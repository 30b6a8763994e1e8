package convert

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/MrWong99/retune/pkg/audio"
	"github.com/MrWong99/retune/pkg/provider/shifter"
)

// Stage names as they appear in results, logs and metrics.
const (
	StageRubberband = "rubberband"
	StageBuiltin    = "builtin"
)

// shiftBlock is the number of frames the built-in stage feeds the shifter
// per call.
const shiftBlock = 4096

// shiftJob describes one pitch-shift of a stereo WAV file.
type shiftJob struct {
	in, out    string
	semitones  float64
	ratio      float64
	sampleRate int
}

// stageFunc is one interchangeable way to run a shiftJob.
type stageFunc func(ctx context.Context, j shiftJob) error

// rubberband shells out to the rubberband CLI.
func (c *Converter) rubberband(ctx context.Context, j shiftJob) error {
	args := []string{"--pitch", strconv.FormatFloat(j.semitones, 'f', 6, 64), j.in, j.out}
	if err := c.runner.Run(ctx, c.cfg.RubberbandPath, args, nil, nil); err != nil {
		return fmt.Errorf("convert: rubberband: %w", err)
	}
	return nil
}

// builtin decodes the WAV to raw float PCM through ffmpeg, shifts each
// channel in-process, and encodes the result back to WAV.
func (c *Converter) builtin(ctx context.Context, j shiftJob) error {
	const channels = 2
	rate := strconv.Itoa(j.sampleRate)

	var raw bytes.Buffer
	decode := []string{"-v", "error", "-i", j.in, "-f", "f32le", "-ac", strconv.Itoa(channels), "-ar", rate, "-"}
	if err := c.runner.Run(ctx, c.cfg.FFmpegPath, decode, nil, &raw); err != nil {
		return fmt.Errorf("convert: builtin decode: %w", err)
	}

	chans := audio.Deinterleave(audio.DecodeF32LE(raw.Bytes()), channels)
	for i, ch := range chans {
		sh, err := c.newShifter(shifter.Config{SampleRate: j.sampleRate, Options: c.shifterOptions})
		if err != nil {
			return fmt.Errorf("convert: builtin shifter: %w", err)
		}
		if chans[i], err = shiftChannel(ctx, sh, ch, j.ratio); err != nil {
			return fmt.Errorf("convert: builtin channel %d: %w", i, err)
		}
	}

	pcm := audio.EncodeF32LE(audio.Interleave(chans))
	encode := []string{"-v", "error", "-y", "-f", "f32le", "-ar", rate, "-ac", strconv.Itoa(channels), "-i", "-", j.out}
	if err := c.runner.Run(ctx, c.cfg.FFmpegPath, encode, bytes.NewReader(pcm), nil); err != nil {
		return fmt.Errorf("convert: builtin encode: %w", err)
	}
	return nil
}

// shiftChannel runs samples through sh block by block. The output has the
// same length as the input; each block is padded or truncated the way the
// live processor does it.
func shiftChannel(ctx context.Context, sh shifter.Shifter, samples []float32, ratio float64) ([]float32, error) {
	out := make([]float32, len(samples))
	for off := 0; off < len(samples); off += shiftBlock {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(off+shiftBlock, len(samples))
		y, err := sh.Process(samples[off:end], ratio)
		if err != nil {
			return nil, err
		}
		audio.Fit(out[off:end], y)
	}
	return out, nil
}
