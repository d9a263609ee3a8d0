package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	SampleRate  = 16000
	NumChannels = 1
	Format      = "pcm_s16le"
)

// Encode packs signed 16-bit samples into a little-endian PCM frame.
func Encode(samples []int16) []byte {
	frame := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(s))
	}
	return frame
}

// Decode is the inverse of Encode.
func Decode(frame []byte) ([]int16, error) {
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("odd frame length %d", len(frame))
	}
	samples := make([]int16, len(frame)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	return samples, nil
}

// Duration of a mono 16 kHz frame of n bytes.
func Duration(n int) time.Duration {
	return time.Duration(n/2) * time.Second / SampleRate
}
