package audio

// Block is one hardware period of PCM audio. Samples are 32-bit float,
// interleaved by channel, so len(Samples) == Frames*Channels.
//
// A Block handed to a [ProcessFunc] is only valid for the duration of that
// call. The driver reuses the underlying memory for the next period.
type Block struct {
	Samples  []float32
	Frames   int
	Channels int
}

// NewBlock allocates a zeroed block for the given layout.
func NewBlock(frames, channels int) Block {
	return Block{
		Samples:  make([]float32, frames*channels),
		Frames:   frames,
		Channels: channels,
	}
}

// Len returns the number of interleaved samples the layout describes.
func (b Block) Len() int { return b.Frames * b.Channels }

// Device is an immutable snapshot of an audio endpoint taken at enumeration
// time. Two descriptors refer to the same endpoint when their IDs match.
type Device struct {
	// ID is the driver-specific stable identifier.
	ID string

	// Name is the human-readable display name reported by the host API.
	Name string

	// MaxInputChannels is zero for playback-only endpoints.
	MaxInputChannels int

	// MaxOutputChannels is zero for capture-only endpoints.
	MaxOutputChannels int

	// DefaultSampleRate in Hz.
	DefaultSampleRate int
}

// IsInput reports whether the device can capture audio.
func (d Device) IsInput() bool { return d.MaxInputChannels > 0 }

// IsOutput reports whether the device can play audio.
func (d Device) IsOutput() bool { return d.MaxOutputChannels > 0 }
