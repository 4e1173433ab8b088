package audio

import "math"

// DownmixMono collapses interleaved multi-channel PCM to mono by averaging
// all channels per frame. When channels <= 1 the input is returned unchanged.
func DownmixMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// Resample converts mono PCM from one sample rate to another using linear
// interpolation. Good enough for speech heading into a 16 kHz recognizer;
// not suitable for music. Returns the input unchanged when the rates match.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Ceil(float64(len(samples)) / ratio))
	out := make([]int16, 0, outLen)

	for i := range outLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		var s int16
		switch {
		case srcIdx+1 < len(samples):
			s0 := float64(samples[srcIdx])
			s1 := float64(samples[srcIdx+1])
			s = int16(s0 + (s1-s0)*frac)
		case srcIdx < len(samples):
			s = samples[srcIdx]
		}
		out = append(out, s)
	}
	return out
}

// Float32ToPCM16 converts normalised float32 samples in [-1.0, 1.0] to
// signed 16-bit PCM, clamping out-of-range values.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * 32767.0)
	}
	return out
}

// RMSLevel computes the root-mean-square level of PCM samples normalised to
// the range 0.0–1.0. Used for input level metering.
func RMSLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		f := float64(s)
		sumSquares += f * f
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))
	return math.Min(rms/32767.0, 1.0)
}
