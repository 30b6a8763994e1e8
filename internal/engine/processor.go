package engine

import (
	"time"

	"github.com/MrWong99/retune/pkg/audio"
	"github.com/MrWong99/retune/pkg/provider/shifter"
)

// Sink receives per-block failures from the audio context. Implementations
// must not block, allocate or perform I/O.
type Sink interface {
	BlockFailed(block uint64, err error)
}

// Processor is the per-block pipeline bound to one stream. [Processor.Process]
// is the only method called from the audio context.
//
// Per block it downmixes to mono, reads the ratio once, runs the shifter,
// falls back to the downmixed input on failure, pads or truncates the result
// at the tail to the output length, replicates it across output channels and
// records how long all of that took.
type Processor struct {
	shifter shifter.Shifter
	ratio   *Controller
	latency *Latency
	sink    Sink

	mono   []float32
	shaped []float32
	block  uint64
}

// NewProcessor preallocates scratch space for blocks of up to maxFrames.
// Larger blocks are still handled; the scratch space then grows once.
func NewProcessor(sh shifter.Shifter, ratio *Controller, latency *Latency, sink Sink, maxFrames int) *Processor {
	return &Processor{
		shifter: sh,
		ratio:   ratio,
		latency: latency,
		sink:    sink,
		mono:    make([]float32, maxFrames),
		shaped:  make([]float32, maxFrames),
	}
}

// Process fills out from in. It implements [audio.ProcessFunc].
func (p *Processor) Process(out, in audio.Block) {
	start := time.Now()

	if n := max(in.Frames, out.Frames); n > len(p.mono) {
		p.mono = make([]float32, n)
		p.shaped = make([]float32, n)
	}

	mono := audio.Downmix(p.mono, in)
	ratio := p.ratio.Get()

	res, err := p.shifter.Process(mono, ratio)
	if err != nil {
		res = mono
		if p.sink != nil {
			p.sink.BlockFailed(p.block, err)
		}
	}

	shaped := p.shaped[:out.Frames]
	audio.Fit(shaped, res)
	audio.Upmix(out, shaped)

	p.block++
	p.latency.Store(time.Since(start))
}

// Blocks returns how many blocks this processor has handled. Only safe to
// call once the stream is closed.
func (p *Processor) Blocks() uint64 { return p.block }
