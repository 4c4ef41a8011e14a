package capture

import (
	"encoding/binary"
	"math"
)

// sampleEncoding is the layout of a tap's native PCM.
type sampleEncoding int

const (
	encodingS16 sampleEncoding = iota
	encodingF32
)

// pcmConverter turns a device's native interleaved PCM into s16le at the
// target rate and channel count. Resampling is linear interpolation; the
// fractional read position and the last input frame carry across calls so
// consecutive buffers join without clicks.
type pcmConverter struct {
	srcRate, srcChannels int
	dstRate, dstChannels int
	encoding             sampleEncoding

	step float64   // source frames per output frame
	pos  float64   // read position relative to prev
	prev []float64 // last source frame of the previous call
	have bool
}

func newPCMConverter(srcRate, srcChannels, dstRate, dstChannels int, enc sampleEncoding) *pcmConverter {
	return &pcmConverter{
		srcRate:     srcRate,
		srcChannels: srcChannels,
		dstRate:     dstRate,
		dstChannels: dstChannels,
		encoding:    enc,
		step:        float64(srcRate) / float64(dstRate),
		prev:        make([]float64, dstChannels),
	}
}

func (c *pcmConverter) bytesPerSample() int {
	if c.encoding == encodingF32 {
		return 4
	}
	return 2
}

// frame reads source frame i mapped to the destination channel layout.
// Missing channels repeat the last source channel.
func (c *pcmConverter) frame(raw []byte, i int, out []float64) {
	bps := c.bytesPerSample()
	base := i * c.srcChannels * bps
	for ch := range out {
		src := ch
		if src >= c.srcChannels {
			src = c.srcChannels - 1
		}
		off := base + src*bps
		if c.encoding == encodingF32 {
			out[ch] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[off:])))
		} else {
			out[ch] = float64(int16(binary.LittleEndian.Uint16(raw[off:]))) / 32768.0
		}
	}
}

// Convert consumes whole source frames from raw and returns s16le output
// frames plus how many frames that is.
func (c *pcmConverter) Convert(raw []byte) ([]byte, int) {
	n := len(raw) / (c.srcChannels * c.bytesPerSample())
	if n == 0 {
		return nil, 0
	}

	cur := make([]float64, c.dstChannels)
	next := make([]float64, c.dstChannels)
	if !c.have {
		c.frame(raw, 0, c.prev)
		c.have = true
	}

	out := make([]byte, 0, int(float64(n)/c.step+2)*c.dstChannels*2)
	frames := 0
	// Source frame k (0-based in raw) sits at position k+1 relative to prev.
	for c.pos < float64(n) {
		i := int(c.pos)
		frac := c.pos - float64(i)
		if i == 0 {
			copy(cur, c.prev)
		} else {
			c.frame(raw, i-1, cur)
		}
		c.frame(raw, i, next)
		for ch := 0; ch < c.dstChannels; ch++ {
			v := cur[ch] + (next[ch]-cur[ch])*frac
			out = binary.LittleEndian.AppendUint16(out, uint16(toS16(v)))
		}
		frames++
		c.pos += c.step
	}
	c.pos -= float64(n)
	c.frame(raw, n-1, c.prev)
	return out, frames
}

func toS16(v float64) int16 {
	s := math.Round(v * 32768)
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}
