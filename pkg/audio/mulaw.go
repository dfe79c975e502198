package audio

// mu-law decoding per ITU-T G.711: bits are stored inverted; sign, exponent
// and mantissa expand back to a 14-bit linear value.

// DecodeMuLawSample converts a single G.711 mu-law byte to a linear PCM16 sample.
func DecodeMuLawSample(mu byte) int16 {
	mu = ^mu

	sign := (mu & 0x80) >> 7
	exponent := (mu & 0x70) >> 4
	mantissa := mu & 0x0F

	var linear int16
	if exponent == 0 {
		linear = int16(33 + 2*int(mantissa))
	} else {
		linear = int16((33 + 2*int(mantissa)) << (exponent - 1))
		linear -= 33
	}

	if sign == 0 {
		return -linear
	}
	return linear
}

// DecodeMuLaw converts a mu-law byte stream (8-bit telephony samples) to
// 16-bit signed little-endian PCM. Output is twice the input length.
func DecodeMuLaw(muLaw []byte) []byte {
	if len(muLaw) == 0 {
		return nil
	}

	pcm := make([]byte, len(muLaw)*2)
	for i, mu := range muLaw {
		sample := DecodeMuLawSample(mu)
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}
