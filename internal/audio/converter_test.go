package audio

import (
	"encoding/binary"
	"testing"
)

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestConvertPCMToPCMU(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767, -32768}

	pcmuData, err := ConvertPCMToPCMU(pcmBytes(samples), 8000, 8000)
	if err != nil {
		t.Fatalf("ConvertPCMToPCMU failed: %v", err)
	}
	if len(pcmuData) != len(samples) {
		t.Fatalf("Expected PCMU length %d, got %d", len(samples), len(pcmuData))
	}
	for i, s := range samples {
		if pcmuData[i] != EncodeSample(s) {
			t.Errorf("sample %d: got 0x%02X, want 0x%02X", i, pcmuData[i], EncodeSample(s))
		}
	}
}

func TestConvertPCMToPCMU_Resample(t *testing.T) {
	samples := make([]int16, 2400) // 0.1 seconds at 24kHz
	for i := range samples {
		samples[i] = int16(i % 1000)
	}

	pcmuData, err := ConvertPCMToPCMU(pcmBytes(samples), 24000, 8000)
	if err != nil {
		t.Fatalf("ConvertPCMToPCMU failed: %v", err)
	}
	// 0.1s at 8kHz, allowing for float truncation of the length
	if len(pcmuData) < 799 || len(pcmuData) > 800 {
		t.Errorf("Expected about 800 bytes, got %d", len(pcmuData))
	}
}

func TestConvertPCMToPCMU_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"odd length", []byte{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ConvertPCMToPCMU(tt.data, 8000, 8000); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestResample(t *testing.T) {
	in := []int16{0, 100, 200, 300}

	if out := Resample(in, 8000, 8000); len(out) != 4 {
		t.Errorf("Expected passthrough, got %d samples", len(out))
	}
	up := Resample(in, 8000, 16000)
	if len(up) != 8 {
		t.Fatalf("Expected 8 samples, got %d", len(up))
	}
	if up[1] != 50 {
		t.Errorf("Expected interpolated 50, got %d", up[1])
	}
}

func TestDownmixAndBitDepth(t *testing.T) {
	mono := downmix([]int{100, 300, -100, -300}, 2)
	if len(mono) != 2 || mono[0] != 200 || mono[1] != -200 {
		t.Errorf("Expected [200 -200], got %v", mono)
	}

	tests := []struct {
		in       int
		bitDepth int
		want     int16
	}{
		{128, 8, 0},
		{255, 8, 127 << 8},
		{1 << 16, 24, 256},
		{-1234, 16, -1234},
	}
	for _, tt := range tests {
		if got := toInt16([]int{tt.in}, tt.bitDepth)[0]; got != tt.want {
			t.Errorf("toInt16(%d, %d) = %d, want %d", tt.in, tt.bitDepth, got, tt.want)
		}
	}
}
