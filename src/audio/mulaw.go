package audio

const (
	// FrameBytes is the payload size of one telephony media frame:
	// 20 ms of µ-law at 8 kHz.
	FrameBytes = 160

	// FrameDurationMs is the wall-clock duration of one media frame.
	FrameDurationMs = 20

	// MulawSilence is the µ-law encoding of a zero sample, used to pad
	// short frame tails.
	MulawSilence = 0xFF

	mulawBias = 0x84
	mulawClip = 32635
)

// mulawDecodeTable maps each of the 256 µ-law bytes to its 16-bit linear
// PCM sample (standard G.711 expansion).
var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

// MulawDecode expands one µ-law byte to a 16-bit linear PCM sample.
func MulawDecode(b byte) int16 {
	return mulawDecodeTable[b]
}

// MulawEncode compresses a 16-bit linear PCM sample to one µ-law byte.
// Inverse of MulawDecode for every byte value except 0x7F: both 0x7F and
// 0xFF expand to zero, and zero compresses to 0xFF.
func MulawEncode(sample int16) byte {
	sign := 0
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}

// MulawToPCM converts µ-law audio to linear PCM int16
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = mulawDecodeTable[val]
	}
	return pcm
}

// PCMToMulaw converts linear PCM int16 to µ-law
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = MulawEncode(val)
	}
	return mulaw
}
