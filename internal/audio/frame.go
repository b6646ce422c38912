// Package audio frames, queues and paces the μ-law 8 kHz audio that flows
// between the telephony leg and the AI backend.
package audio

import "time"

const (
	// SampleRate of telephony μ-law audio in Hz.
	SampleRate = 8000

	// FrameDuration is the playback length of one frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSize is the number of bytes in one 20ms μ-law frame (1 byte per sample).
	FrameSize = 320

	// SilenceByte is μ-law encoded zero amplitude.
	SilenceByte byte = 0xFF
)

// SilenceFrame returns a fresh frame of μ-law silence.
func SilenceFrame() []byte {
	frame := make([]byte, FrameSize)
	for i := range frame {
		frame[i] = SilenceByte
	}
	return frame
}

// IsSilence reports whether every byte of frame is μ-law silence.
func IsSilence(frame []byte) bool {
	for _, b := range frame {
		if b != SilenceByte {
			return false
		}
	}
	return len(frame) > 0
}
