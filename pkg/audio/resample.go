package audio

// Resample8kTo16k upsamples 8kHz PCM16LE to 16kHz by linear interpolation.
// Good enough for speech headed into transcription; no filtering.
func Resample8kTo16k(pcm8k []byte) []byte {
	if len(pcm8k) == 0 {
		return nil
	}

	in := bytesToSamples(pcm8k)
	out := make([]int16, len(in)*2)

	for i, s := range in {
		out[i*2] = s
		if i < len(in)-1 {
			out[i*2+1] = int16((int32(s) + int32(in[i+1])) / 2)
		} else {
			out[i*2+1] = s
		}
	}

	return samplesToBytes(out)
}

// Resample16kTo8k downsamples 16kHz PCM16LE to 8kHz by decimation.
func Resample16kTo8k(pcm16k []byte) []byte {
	if len(pcm16k) == 0 {
		return nil
	}

	in := bytesToSamples(pcm16k)
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = in[i*2]
	}

	return samplesToBytes(out)
}

// Resample converts PCM16LE between arbitrary rates by linear
// interpolation. Used for synthesis output that arrives at a rate the
// call does not run at, e.g. 24kHz WAV down to an 8kHz stream.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if len(pcm) == 0 || fromRate <= 0 || toRate <= 0 {
		return nil
	}
	if fromRate == toRate {
		return pcm
	}
	// The two native stream rates take the dedicated converters.
	if fromRate == 8000 && toRate == 16000 {
		return Resample8kTo16k(pcm)
	}
	if fromRate == 16000 && toRate == 8000 {
		return Resample16kTo8k(pcm)
	}

	in := bytesToSamples(pcm)
	if len(in) == 0 {
		return nil
	}
	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * float64(fromRate) / float64(toRate)
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return samplesToBytes(out)
}

func bytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

func samplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}
