// Package audioproc implements the per-chunk audio transform for enhanced
// processing mode: a frame-energy noise gate followed by RMS loudness
// normalisation over 16-bit signed little-endian mono PCM.
//
// Every function is pure and total. Inputs that are malformed or too short to
// process meaningfully are returned unchanged; callers never need to handle
// a processing failure, the stream just carries the original audio.
package audioproc

import (
	"encoding/binary"
	"math"
)

const (
	// minSamples is the minimum chunk length (in samples) worth processing.
	// Anything shorter is returned unchanged.
	minSamples = 512

	// denoiseSamples is the minimum chunk length (in samples) for the noise
	// gate; normalisation alone applies between minSamples and this.
	denoiseSamples = 1024

	// gateFrameSamples is the analysis frame length for the noise gate.
	gateFrameSamples = 160 // 10 ms at 16 kHz

	// gateAttenuation is how much of a below-floor frame's energy is removed.
	gateAttenuation = 0.7

	// targetRMS is the normalisation target as a fraction of full scale.
	targetRMS = 0.2
)

// Process applies the transform for the given mode. Standard mode is the
// identity function; any other mode is treated as enhanced.
func Process(chunk []byte, enhanced bool) []byte {
	if !enhanced {
		return chunk
	}
	return Enhance(chunk)
}

// Enhance denoises and loudness-normalises one PCM chunk. The input is
// returned unchanged when it is too short to process (fewer than 512
// samples) or not valid int16 PCM (odd byte count).
func Enhance(chunk []byte) []byte {
	if len(chunk)%2 != 0 || len(chunk)/2 < minSamples {
		return chunk
	}

	samples := pcmToFloat32(chunk)

	if len(samples) >= denoiseSamples {
		suppressNoise(samples)
	}

	normalize(samples)

	return float32ToPCM(samples)
}

// suppressNoise applies a frame-energy gate in place: frames whose RMS falls
// below the estimated noise floor are attenuated by gateAttenuation.
func suppressNoise(samples []float32) {
	nFrames := len(samples) / gateFrameSamples
	if nFrames < 2 {
		return
	}

	// Noise floor estimate: the quietest frame's RMS, scaled up to leave
	// headroom for genuinely quiet speech.
	minRMS := math.MaxFloat64
	for f := range nFrames {
		rms := frameRMS(samples[f*gateFrameSamples : (f+1)*gateFrameSamples])
		if rms < minRMS {
			minRMS = rms
		}
	}
	floor := minRMS * 2

	keep := float32(1 - gateAttenuation)
	for f := range nFrames {
		frame := samples[f*gateFrameSamples : (f+1)*gateFrameSamples]
		if frameRMS(frame) < floor {
			for i := range frame {
				frame[i] *= keep
			}
		}
	}
}

// normalize scales samples in place so the chunk RMS hits targetRMS.
// Silent chunks (zero RMS) are left untouched.
func normalize(samples []float32) {
	rms := frameRMS(samples)
	if rms <= 0 {
		return
	}
	gain := float32(targetRMS / rms)
	for i := range samples {
		samples[i] *= gain
	}
}

// frameRMS returns the root-mean-square energy of normalised samples.
func frameRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0].
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// float32ToPCM converts normalised float32 samples back to 16-bit signed
// little-endian PCM, clamping to the valid sample range.
func float32ToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * 32768.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(v)))
	}
	return out
}
