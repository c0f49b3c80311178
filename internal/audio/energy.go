package audio

import (
	"encoding/binary"
	"math"
)

// RMSPCM16 returns the root mean square level of a PCM16LE frame scaled to
// [0, 1]. A trailing odd byte is ignored.
func RMSPCM16(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[2*i:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
