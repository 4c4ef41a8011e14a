package capture

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestPCMConverterPassthroughKeepsSamples(t *testing.T) {
	c := newPCMConverter(44100, 2, 44100, 2, encodingS16)
	in := make([]byte, 0, 8*4)
	for i := 0; i < 8; i++ {
		in = binary.LittleEndian.AppendUint16(in, uint16(int16(i*1000)))
		in = binary.LittleEndian.AppendUint16(in, uint16(int16(-i*1000)))
	}
	out, frames := c.Convert(in)
	if frames != 8 || len(out) != len(in) {
		t.Fatalf("frames=%d len=%d", frames, len(out))
	}
	// Output trails input by one frame.
	for i := 1; i < 8; i++ {
		l := int16(binary.LittleEndian.Uint16(out[i*4:]))
		r := int16(binary.LittleEndian.Uint16(out[i*4+2:]))
		if l != int16((i-1)*1000) || r != int16(-(i-1)*1000) {
			t.Fatalf("frame %d = %d,%d", i, l, r)
		}
	}
}

func TestPCMConverterResamplesFloat48k(t *testing.T) {
	c := newPCMConverter(48000, 2, 44100, 2, encodingF32)
	chunk := make([]byte, 480*2*4) // 10ms
	for i := 0; i < 480*2; i++ {
		binary.LittleEndian.PutUint32(chunk[i*4:], math.Float32bits(0.5))
	}
	total := 0
	for i := 0; i < 100; i++ {
		_, n := c.Convert(chunk)
		total += n
	}
	if total < 44099 || total > 44101 {
		t.Fatalf("one second resampled to %d frames", total)
	}
	out, _ := c.Convert(chunk)
	if v := int16(binary.LittleEndian.Uint16(out)); v != 16384 {
		t.Fatalf("0.5 converted to %d", v)
	}
}

func TestPCMConverterMonoUpmix(t *testing.T) {
	c := newPCMConverter(44100, 1, 44100, 2, encodingS16)
	in := binary.LittleEndian.AppendUint16(nil, uint16(int16(1234)))
	in = binary.LittleEndian.AppendUint16(in, uint16(int16(1234)))
	out, frames := c.Convert(in)
	if frames != 2 {
		t.Fatalf("frames = %d", frames)
	}
	if l, r := int16(binary.LittleEndian.Uint16(out[4:])), int16(binary.LittleEndian.Uint16(out[6:])); l != 1234 || r != 1234 {
		t.Fatalf("upmixed frame = %d,%d", l, r)
	}
}

func TestToS16Clamps(t *testing.T) {
	if toS16(2) != math.MaxInt16 || toS16(-2) != math.MinInt16 {
		t.Fatal("out of range samples must clamp")
	}
}
