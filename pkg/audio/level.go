package audio

import (
	"math"
	"math/cmplx"
)

// Analyser window parameters. They mirror a browser analyser node with
// fftSize 256 and the default decibel range.
const (
	analyserSize = 256
	minDecibels  = -100.0
	maxDecibels  = -30.0
)

// blackman holds the analysis window, computed once.
var blackman = func() []float64 {
	w := make([]float64, analyserSize)
	const a0, a1, a2 = 0.42, 0.5, 0.08
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(analyserSize)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}()

// Level returns the input level of samples on a [0, 100] scale. The level is
// the average of the byte-scaled frequency magnitudes over the most recent
// analyser window, scaled so that an average of 128 reads as 100.
//
// Level is purely observational; it never alters the samples.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	buf := make([]complex128, analyserSize)
	start := max(len(samples)-analyserSize, 0)
	for i, s := range samples[start:] {
		buf[i] = complex(float64(s)*blackman[i], 0)
	}
	fft(buf)

	bins := analyserSize / 2
	var sum float64
	for i := range bins {
		mag := cmplx.Abs(buf[i]) / analyserSize
		sum += byteMagnitude(mag)
	}
	avg := sum / float64(bins)
	return math.Min(100, avg/128*100)
}

// byteMagnitude maps a linear magnitude to the 0..255 range used by
// analyser byte frequency data.
func byteMagnitude(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
	return math.Max(0, math.Min(255, scaled))
}

// fft performs an in-place iterative radix-2 Cooley-Tukey transform.
// len(x) must be a power of two.
func fft(x []complex128) {
	n := len(x)

	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := range size / 2 {
				a := x[start+k]
				b := x[start+k+size/2] * w
				x[start+k] = a + b
				x[start+k+size/2] = a - b
				w *= step
			}
		}
	}
}
