package audio

import (
	"encoding/base64"
	"time"
)

// Outbound media frames must respect the provider's wire rules: every frame
// a multiple of 320 bytes and never shorter than 3200. Short tails are
// zero-padded, which plays back as silence.

const (
	// DefaultSampleRate is used until the stream start event reports one.
	DefaultSampleRate = 8000

	// BytesPerSample for 16-bit mono PCM.
	BytesPerSample = 2

	// FrameAlign is the mandated byte alignment of an outbound frame.
	FrameAlign = 320

	// MinFrameSize is the mandated minimum outbound frame length in bytes.
	MinFrameSize = 3200
)

// PaddedFrameSize returns the smallest legal frame length that can carry n
// bytes: a multiple of FrameAlign, at least MinFrameSize, and >= n.
func PaddedFrameSize(n int) int {
	if n < MinFrameSize {
		return MinFrameSize
	}
	if rem := n % FrameAlign; rem != 0 {
		return n + FrameAlign - rem
	}
	return n
}

// PadFrame zero-pads a PCM buffer up to the next legal frame length. The
// input is returned unchanged when it is already legal.
func PadFrame(pcm []byte) []byte {
	size := PaddedFrameSize(len(pcm))
	if size == len(pcm) {
		return pcm
	}
	padded := make([]byte, size)
	copy(padded, pcm)
	return padded
}

// SilenceFrame returns the minimum legal frame filled with zero samples,
// used by the keepalive loop.
func SilenceFrame() []byte {
	return make([]byte, MinFrameSize)
}

// SplitFrames slices PCM into frames of frameSize bytes. frameSize is
// rounded up to a legal size first; the final partial frame is zero-padded
// rather than sent short.
func SplitFrames(pcm []byte, frameSize int) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	frameSize = PaddedFrameSize(frameSize)

	frames := make([][]byte, 0, (len(pcm)+frameSize-1)/frameSize)
	for start := 0; start < len(pcm); start += frameSize {
		end := start + frameSize
		if end > len(pcm) {
			end = len(pcm)
		}
		frames = append(frames, PadFrame(pcm[start:end]))
	}
	return frames
}

// FrameDuration returns the real playback time of a PCM16 frame, which is
// also the pacing delay between consecutive outbound frames: sending faster
// overruns the provider's jitter buffer, slower starves it.
func FrameDuration(frameBytes, sampleRate int) time.Duration {
	// Rates below telephony range are provider reporting glitches;
	// anything under 1kHz would also zero out the divisor below.
	if sampleRate < 1000 {
		sampleRate = DefaultSampleRate
	}
	ms := frameBytes / (sampleRate * BytesPerSample / 1000)
	return time.Duration(ms) * time.Millisecond
}

// EncodePayload encodes a PCM frame as base64 for the JSON media event.
func EncodePayload(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}

// DecodePayload decodes a base64 media payload from the provider.
func DecodePayload(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}
