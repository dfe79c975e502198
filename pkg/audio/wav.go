package audio

import (
	"encoding/binary"
	"fmt"
)

// WAV container handling for the STT hop: the pipeline service wants a real
// audio file, the sockets speak raw PCM16LE. Mono, 16-bit only.

const wavHeaderSize = 44

// WAVFromPCM wraps raw 16-bit mono little-endian PCM in a minimal
// RIFF/WAVE container at the given sample rate.
func WAVFromPCM(pcm []byte, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	wav := make([]byte, wavHeaderSize+len(pcm))

	copy(wav[0:4], "RIFF")
	binary.LittleEndian.PutUint32(wav[4:8], uint32(36+len(pcm)))
	copy(wav[8:12], "WAVE")

	copy(wav[12:16], "fmt ")
	binary.LittleEndian.PutUint32(wav[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(wav[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(wav[22:24], channels)
	binary.LittleEndian.PutUint32(wav[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(wav[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(wav[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(wav[34:36], bitsPerSample)

	copy(wav[36:40], "data")
	binary.LittleEndian.PutUint32(wav[40:44], uint32(len(pcm)))
	copy(wav[wavHeaderSize:], pcm)

	return wav
}

// PCMFromWAV extracts the raw PCM payload and sample rate from a WAV buffer
// produced by WAVFromPCM or any other minimal 44-byte-header encoder.
func PCMFromWAV(wav []byte) ([]byte, int, error) {
	if len(wav) < wavHeaderSize {
		return nil, 0, fmt.Errorf("wav buffer too short: %d bytes", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE buffer")
	}
	if string(wav[36:40]) != "data" {
		return nil, 0, fmt.Errorf("missing data chunk at offset 36")
	}

	sampleRate := int(binary.LittleEndian.Uint32(wav[24:28]))
	dataSize := int(binary.LittleEndian.Uint32(wav[40:44]))
	if wavHeaderSize+dataSize > len(wav) {
		return nil, 0, fmt.Errorf("data chunk size %d exceeds buffer", dataSize)
	}

	return wav[wavHeaderSize : wavHeaderSize+dataSize], sampleRate, nil
}
