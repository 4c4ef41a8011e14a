package capture

import "github.com/breeze-rmm/livecapture/internal/media"

// Deliver receives buffers from a tap. It never blocks.
type Deliver func(media.SampleBuffer)

// Tap is a system audio source. Buffers carry interleaved s16le PCM at
// 44.1 kHz stereo tagged with their source kind, and timestamps on the
// tap's own clock.
type Tap interface {
	// Start begins capture and returns once the source is running. An
	// error means the source is unavailable or access was refused.
	Start(deliver Deliver) error
	// Stop ends capture. After Stop returns no further buffers are delivered.
	Stop()
}
