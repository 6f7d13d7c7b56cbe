package server

// Display geometry constants. A trace rendered into a plot window needs at
// most PointsPerPixel samples per horizontal pixel; anything denser is wasted
// bandwidth.
const (
	PointsPerPixel   = 2
	DisplayWindowSec = 120
)

// DownsampleFactor computes the stride for a client viewing a
// DisplayWindowSec-wide plot at widthPx pixels. Never below 1.
func DownsampleFactor(sampRate, widthPx int) int {
	if sampRate < 1 || widthPx < 1 {
		return 1
	}
	factor := (DisplayWindowSec * sampRate) / (widthPx * PointsPerPixel)
	if factor < 1 {
		return 1
	}
	return factor
}

// DownsampledLength is the exact output length of Decimate for n samples.
func DownsampledLength(n, factor int) int {
	if factor <= 1 {
		return n
	}
	return (n + factor - 1) / factor
}

// Decimate takes every factor-th sample starting at index 0. Factor 1
// returns a copy.
func Decimate(samples []float64, factor int) []float64 {
	if factor <= 1 {
		out := make([]float64, len(samples))
		copy(out, samples)
		return out
	}
	out := make([]float64, 0, DownsampledLength(len(samples), factor))
	for i := 0; i < len(samples); i += factor {
		out = append(out, samples[i])
	}
	return out
}

// BuildTrace decimates a processed sample array for a client's display width
// and fills in the trace metadata the frontend needs to rescale time.
func BuildTrace(samples []float64, pga, startt, endt float64, sampRate, widthPx int) WaveTrace {
	factor := DownsampleFactor(sampRate, widthPx)
	wave := Decimate(samples, factor)
	return WaveTrace{
		Waveform:          wave,
		PGA:               pga,
		StartT:            startt,
		EndT:              endt,
		SampRate:          sampRate,
		EffectiveSampRate: float64(sampRate) / float64(factor),
		OriginalLength:    len(samples),
		DownsampledLength: len(wave),
		DownsampleFactor:  factor,
	}
}
