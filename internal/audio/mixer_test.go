package audio

import (
	"errors"
	"testing"
)

func tone(n int) []byte {
	pcm := make([]int16, n)
	for i := range pcm {
		// square wave alternating at a few amplitudes
		amp := int16(2000 + 500*(i%7))
		if i%2 == 1 {
			amp = -amp
		}
		pcm[i] = amp
	}
	return Encode(pcm)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestMix_LengthMismatch(t *testing.T) {
	_, err := Mix(make([]byte, 10), make([]byte, 11))
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("Expected ErrLengthMismatch, got %v", err)
	}

	_, err = MixWithVolume(make([]byte, 3), nil, 1, 1)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("Expected ErrLengthMismatch, got %v", err)
	}
}

func TestMix_PreservesLength(t *testing.T) {
	for _, n := range []int{0, 1, 160, 320, 999} {
		out, err := Mix(tone(n), Silence(n))
		if err != nil {
			t.Fatalf("Mix failed: %v", err)
		}
		if len(out) != n {
			t.Errorf("Expected length %d, got %d", n, len(out))
		}
	}
}

func TestMix_WithSilenceKeepsSignal(t *testing.T) {
	a := tone(400)
	out, err := Mix(a, Silence(len(a)))
	if err != nil {
		t.Fatalf("Mix failed: %v", err)
	}

	want := Decode(a)
	got := Decode(out)
	for i := range want {
		if (want[i] > 0) != (got[i] > 0) {
			t.Fatalf("sample %d changed sign: %d -> %d", i, want[i], got[i])
		}
		if abs(int(want[i])-int(got[i])) > 128 {
			t.Fatalf("sample %d drifted beyond quantization: %d -> %d", i, want[i], got[i])
		}
	}
}

func TestMix_ClampsInsteadOfWrapping(t *testing.T) {
	loud := Encode([]int16{30000, -30000})
	out, err := Mix(loud, loud)
	if err != nil {
		t.Fatalf("Mix failed: %v", err)
	}
	got := Decode(out)
	if got[0] < 30000 {
		t.Errorf("Expected positive saturation, got %d", got[0])
	}
	if got[1] > -30000 {
		t.Errorf("Expected negative saturation, got %d", got[1])
	}
}

func TestMixWithVolume_ClampsVolumes(t *testing.T) {
	a := tone(100)
	b := tone(100)

	over, err := MixWithVolume(a, b, 5, -2)
	if err != nil {
		t.Fatalf("MixWithVolume failed: %v", err)
	}
	unit, _ := MixWithVolume(a, b, 1, 0)
	for i := range over {
		if over[i] != unit[i] {
			t.Fatalf("byte %d: out-of-range volumes not clamped (0x%02X vs 0x%02X)", i, over[i], unit[i])
		}
	}
}

func TestVolume(t *testing.T) {
	buf := tone(320)

	t.Run("zero is silence", func(t *testing.T) {
		for i, s := range Decode(Volume(buf, 0)) {
			if s != 0 {
				t.Fatalf("sample %d = %d, want 0", i, s)
			}
		}
	})

	t.Run("one reproduces input", func(t *testing.T) {
		want := Decode(buf)
		for i, s := range Decode(Volume(buf, 1)) {
			if abs(int(s)-int(want[i])) > 128 {
				t.Fatalf("sample %d = %d, want about %d", i, s, want[i])
			}
		}
	})

	t.Run("half attenuates", func(t *testing.T) {
		want := Decode(buf)
		for i, s := range Decode(Volume(buf, 0.5)) {
			if abs(int(s)) >= abs(int(want[i])) {
				t.Fatalf("sample %d not attenuated: %d vs %d", i, s, want[i])
			}
		}
	})
}
