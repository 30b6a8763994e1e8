package audio

import (
	"encoding/binary"
	"math"
)

// Downmix averages the channels of in into dst and returns dst[:in.Frames].
// Mono input is copied through unchanged. dst must hold at least in.Frames
// samples; Downmix never allocates.
func Downmix(dst []float32, in Block) []float32 {
	dst = dst[:in.Frames]
	if in.Channels <= 1 {
		copy(dst, in.Samples[:in.Frames])
		return dst
	}
	ch := in.Channels
	scale := 1 / float32(ch)
	for i := range dst {
		var sum float32
		base := i * ch
		for c := range ch {
			sum += in.Samples[base+c]
		}
		dst[i] = sum * scale
	}
	return dst
}

// Upmix writes mono into every channel of out. mono must hold at least
// out.Frames samples.
func Upmix(out Block, mono []float32) {
	ch := out.Channels
	if ch == 1 {
		copy(out.Samples[:out.Frames], mono[:out.Frames])
		return
	}
	for i := range out.Frames {
		v := mono[i]
		base := i * ch
		for c := range ch {
			out.Samples[base+c] = v
		}
	}
}

// Fit copies src into dst, zero-padding the tail when src is shorter and
// dropping src's tail when it is longer. It returns the number of samples
// taken from src. No resampling is performed.
func Fit(dst, src []float32) int {
	n := copy(dst, src)
	clear(dst[n:])
	return n
}

// Deinterleave splits interleaved samples into one slice per channel.
// A trailing partial frame is dropped.
func Deinterleave(samples []float32, channels int) [][]float32 {
	frames := len(samples) / channels
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			out[c][i] = samples[i*channels+c]
		}
	}
	return out
}

// Interleave merges per-channel samples. All channels must have the same length.
func Interleave(chans [][]float32) []float32 {
	if len(chans) == 0 {
		return nil
	}
	frames := len(chans[0])
	out := make([]float32, frames*len(chans))
	for i := range frames {
		for c, ch := range chans {
			out[i*len(chans)+c] = ch[i]
		}
	}
	return out
}

// DecodeF32LE converts little-endian 32-bit float PCM to samples. A trailing
// partial sample is ignored.
func DecodeF32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// EncodeF32LE converts samples to little-endian 32-bit float PCM.
func EncodeF32LE(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}
