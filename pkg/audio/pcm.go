// Package audio holds the pure audio transforms used by the capture
// pipeline: resampling captured float samples to the speech wire rate,
// quantising them to 16-bit little-endian PCM, and metering input level.
//
// Nothing in this package keeps state between calls. Every function is a
// deterministic transform of its arguments so that callers can run it on
// each processing callback without coordination.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// TargetSampleRate is the sample rate expected by the speech backend.
	TargetSampleRate = 16000

	// BufferSize is the number of samples handed to each processing callback.
	BufferSize = 4096
)

// EncodePCM16 resamples samples captured at sourceRate to [TargetSampleRate]
// and quantises them to 16-bit little-endian signed PCM.
func EncodePCM16(samples []float32, sourceRate int) []byte {
	return Quantize(Resample(samples, sourceRate, TargetSampleRate))
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation between the two nearest source samples. The output holds
// round(len(samples) * dstRate / srcRate) samples. When the rates match (or
// either is not positive) the input slice is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return samples
	}
	n := OutputLength(len(samples), srcRate, dstRate)
	if n == 0 {
		return []float32{}
	}

	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range n {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= last {
			out[i] = samples[last]
			continue
		}
		frac := srcPos - float64(srcIdx)
		s0 := float64(samples[srcIdx])
		s1 := float64(samples[srcIdx+1])
		out[i] = float32(s0*(1-frac) + s1*frac)
	}
	return out
}

// OutputLength returns the number of samples [Resample] produces for an
// input of inputLen samples.
func OutputLength(inputLen, srcRate, dstRate int) int {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return inputLen
	}
	return int(math.Round(float64(inputLen) * float64(dstRate) / float64(srcRate)))
}

// Quantize clamps each sample to [-1, 1] and scales it to int16, using 32768
// for negative values and 32767 for non-negative ones so that neither end
// overflows. NaN encodes as silence.
func Quantize(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantizeSample(s)))
	}
	return out
}

func quantizeSample(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(v * 32768)
	}
	return int16(v * 32767)
}

// DecodePCM16 is the inverse of [Quantize]: it reads little-endian int16
// samples and maps them back to [-1, 1]. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out
}
