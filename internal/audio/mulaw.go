package audio

// G.711 μ-law companding, as carried on the phone leg (8kHz, 8-bit, mono).
//
// Encoding is lossy: a 16-bit sample is quantized to one of 256 codes, so
// Decode(Encode(x)) is only within one quantization step of x. Decoded values
// re-encode to the same code, except the negative-zero code 0x7F which
// re-encodes as 0xFF. Callers must not assume round-trip equality of PCM.

const (
	mulawBias = 0x84
	mulawClip = 32635

	// SilenceByte is the μ-law code for a zero-amplitude sample.
	SilenceByte byte = 0xFF

	// SampleRate of the phone leg in Hz; one byte per sample.
	SampleRate = 8000
)

var (
	// segment lookup indexed by the top 8 bits of the biased magnitude
	expLUT [256]byte
	// decoded value of every code
	decodeLUT [256]int16
)

func init() {
	for i := 1; i < 256; i++ {
		e := byte(0)
		for v := i >> 1; v > 0; v >>= 1 {
			e++
		}
		expLUT[i] = e
	}
	for i := 0; i < 256; i++ {
		decodeLUT[i] = decodeSample(byte(i))
	}
}

// EncodeSample compresses one 16-bit linear sample into a μ-law byte.
func EncodeSample(pcm int16) byte {
	s := int(pcm)
	sign := 0
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := int(expLUT[(s>>7)&0xFF])
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeSample expands a μ-law byte into a 16-bit linear sample.
func DecodeSample(b byte) int16 {
	return decodeLUT[b]
}

func decodeSample(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := uint((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)

	sample := (((mantissa << 3) + mulawBias) << exponent) - mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// Encode compresses a slice of linear samples.
func Encode(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = EncodeSample(s)
	}
	return out
}

// Decode expands a μ-law buffer into linear samples.
func Decode(buf []byte) []int16 {
	out := make([]int16, len(buf))
	for i, b := range buf {
		out[i] = decodeLUT[b]
	}
	return out
}

// Silence returns n bytes of μ-law silence.
func Silence(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = SilenceByte
	}
	return out
}

// DurationMs returns the playback time of n μ-law bytes in milliseconds.
func DurationMs(n int) int {
	return n * 1000 / SampleRate
}
