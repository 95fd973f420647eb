package vad

import (
	"math"

	"github.com/Medicare-Call/Medicare-Call-Telephony-Server/src/audio"
)

// Decision is the per-frame classification result
type Decision int

const (
	Silence Decision = iota
	Voice
	Error
)

func (d Decision) String() string {
	switch d {
	case Silence:
		return "silence"
	case Voice:
		return "voice"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Aggressiveness selects how strict the classifier is about calling a
// frame voice. Higher modes require more energy, which suppresses line
// noise at the cost of clipping soft speech onsets.
type Aggressiveness int

const (
	Quality Aggressiveness = iota
	LowBitrate
	Aggressive
	VeryAggressive
)

// energy thresholds (normalized RMS) per aggressiveness mode
var energyThresholds = map[Aggressiveness]float64{
	Quality:        0.010,
	LowBitrate:     0.015,
	Aggressive:     0.022,
	VeryAggressive: 0.030,
}

const (
	// Zero-crossing-rate band for speech. Tonal hum sits below the floor,
	// broadband hiss above the ceiling.
	zcrFloor   = 0.004
	zcrCeiling = 0.75
)

// Classifier is a stateless per-frame voice-activity classifier over
// µ-law telephony frames. It is safe for concurrent use; one process-wide
// instance serves all sessions.
type Classifier struct {
	sampleRate int
	threshold  float64
}

// NewClassifier creates a classifier for the given sample rate and mode.
func NewClassifier(sampleRate int, mode Aggressiveness) *Classifier {
	thr, ok := energyThresholds[mode]
	if !ok {
		thr = energyThresholds[VeryAggressive]
	}
	return &Classifier{
		sampleRate: sampleRate,
		threshold:  thr,
	}
}

// Classify decides whether one µ-law frame contains voice. Frames must be
// whole telephony frames (160 bytes at 8 kHz); anything else is Error.
func (c *Classifier) Classify(frame []byte) Decision {
	if len(frame) != audio.FrameBytes {
		return Error
	}

	pcm := audio.MulawToPCM(frame)

	rms := normalizedRMS(pcm)
	if rms < c.threshold {
		return Silence
	}

	zcr := zeroCrossingRate(pcm)
	if zcr < zcrFloor || zcr > zcrCeiling {
		return Silence
	}

	return Voice
}

// normalizedRMS computes root-mean-square volume scaled to [0, 1]
func normalizedRMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range pcm {
		n := float64(s) / 32768.0
		sumSquares += n * n
	}
	return math.Sqrt(sumSquares / float64(len(pcm)))
}

// zeroCrossingRate measures how often the signal changes sign. Speech has
// a characteristic mid-band rate; DC hum and white noise fall outside it.
func zeroCrossingRate(pcm []int16) float64 {
	if len(pcm) < 2 {
		return 0
	}
	crossings := 0
	prevPositive := pcm[0] >= 0
	for _, s := range pcm[1:] {
		positive := s >= 0
		if positive != prevPositive {
			crossings++
		}
		prevPositive = positive
	}
	return float64(crossings) / float64(len(pcm))
}
