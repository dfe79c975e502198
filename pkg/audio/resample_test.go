package audio

import "testing"

func TestResample8kTo16kDoublesLength(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := bytesToSamples(Resample8kTo16k(pcm))

	want := []int16{100, 150, 200, 250, 300, 300}
	if len(out) != len(want) {
		t.Fatalf("length = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResample16kTo8kDecimates(t *testing.T) {
	pcm := samplesToBytes([]int16{10, 20, 30, 40, 50, 60})
	out := bytesToSamples(Resample16kTo8k(pcm))

	want := []int16{10, 30, 50}
	if len(out) != len(want) {
		t.Fatalf("length = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResampleDispatchesNativeRates(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400})

	up := bytesToSamples(Resample(pcm, 8000, 16000))
	wantUp := bytesToSamples(Resample8kTo16k(pcm))
	if len(up) != len(wantUp) {
		t.Fatalf("upsample length = %d, want %d", len(up), len(wantUp))
	}
	for i := range wantUp {
		if up[i] != wantUp[i] {
			t.Errorf("upsample sample %d = %d, want %d", i, up[i], wantUp[i])
		}
	}

	down := bytesToSamples(Resample(pcm, 16000, 8000))
	wantDown := bytesToSamples(Resample16kTo8k(pcm))
	if len(down) != len(wantDown) {
		t.Fatalf("downsample length = %d, want %d", len(down), len(wantDown))
	}
	for i := range wantDown {
		if down[i] != wantDown[i] {
			t.Errorf("downsample sample %d = %d, want %d", i, down[i], wantDown[i])
		}
	}
}

func TestResampleEmpty(t *testing.T) {
	if Resample8kTo16k(nil) != nil || Resample16kTo8k(nil) != nil {
		t.Error("expected nil for empty input")
	}
}

func TestResampleRoundTripLength(t *testing.T) {
	pcm := make([]byte, 3200)
	back := Resample16kTo8k(Resample8kTo16k(pcm))
	if len(back) != len(pcm) {
		t.Errorf("round trip length = %d, want %d", len(back), len(pcm))
	}
}

func TestResampleArbitraryRates(t *testing.T) {
	// 6 samples at 24kHz resample to 2 samples at 8kHz.
	in := samplesToBytes([]int16{0, 300, 600, 900, 1200, 1500})
	out := Resample(in, 24000, 8000)
	if len(out) != 4 {
		t.Fatalf("24k->8k output = %d bytes, want 4", len(out))
	}
	got := bytesToSamples(out)
	if got[0] != 0 || got[1] != 900 {
		t.Errorf("24k->8k samples = %v, want [0 900]", got)
	}

	if same := Resample(in, 16000, 16000); len(same) != len(in) {
		t.Errorf("same-rate resample changed length: %d != %d", len(same), len(in))
	}
	if out := Resample(nil, 24000, 8000); out != nil {
		t.Errorf("nil input produced %d bytes", len(out))
	}
	if out := Resample(in, 0, 8000); out != nil {
		t.Error("zero source rate produced output")
	}
}

func TestResampleUpsampleInterpolates(t *testing.T) {
	in := samplesToBytes([]int16{0, 1000})
	out := bytesToSamples(Resample(in, 8000, 16000))
	if len(out) != 4 {
		t.Fatalf("8k->16k output = %d samples, want 4", len(out))
	}
	if out[0] != 0 || out[1] != 500 {
		t.Errorf("interpolated samples = %v, want leading [0 500]", out)
	}
}
