// Package dsp implements the dispatcher's signal pipeline: per-channel
// calibration scaling, demean, and a Butterworth low-pass IIR applied in a
// single forward pass over batches of sample arrays.
//
// The filter is built from the analog Butterworth prototype via the bilinear
// transform into second-order sections, which keeps the cascade numerically
// stable. Coefficients are computed once at startup.
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
)

// biquad is one second-order section with a0 normalized to 1.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// Lowpass is a forward-only Butterworth low-pass filter in SOS form.
type Lowpass struct {
	sos []biquad
}

// NewLowpass designs an order-pole Butterworth low-pass at corner Hz for the
// given sample rate. Order must be even so poles pair into biquads. A corner
// at or above Nyquist clamps to Nyquist.
func NewLowpass(corner, rate float64, order int) (*Lowpass, error) {
	if corner <= 0 || rate <= 0 {
		return nil, fmt.Errorf("corner and rate must be positive, got %g / %g", corner, rate)
	}
	if order < 2 || order%2 != 0 {
		return nil, fmt.Errorf("order must be a positive even number, got %d", order)
	}

	f := corner / (rate / 2)
	if f > 1 {
		f = 1
	}

	// Pre-warp the corner for the bilinear transform (T = 2 convention).
	warped := math.Tan(math.Pi * f / 2)

	// Left-half-plane poles of the analog prototype, scaled to the warped
	// corner. Gain of the all-pole prototype is warped^order.
	poles := make([]complex128, order)
	for k := 0; k < order; k++ {
		theta := math.Pi * float64(2*k+order+1) / float64(2*order)
		poles[k] = complex(warped, 0) * cmplx.Rect(1, theta)
	}

	// Bilinear transform: s = (z-1)/(z+1). Each analog pole p maps to the
	// digital pole (1+p)/(1-p), each of the order zeros at infinity maps to
	// z = -1, and the gain picks up prod(1-p) in the denominator.
	gain := math.Pow(warped, float64(order))
	denom := complex(1, 0)
	digital := make([]complex128, order)
	for k, p := range poles {
		digital[k] = (1 + p) / (1 - p)
		denom *= 1 - p
	}
	k := gain / real(denom)

	// Pole k pairs with pole order-1-k as its conjugate. All the gain goes
	// on the first section.
	sos := make([]biquad, order/2)
	for i := range sos {
		zd := digital[i]
		re, im := real(zd), imag(zd)
		sos[i] = biquad{
			b0: 1, b1: 2, b2: 1,
			a1: -2 * re,
			a2: re*re + im*im,
		}
	}
	sos[0].b0 = k
	sos[0].b1 = 2 * k
	sos[0].b2 = k

	return &Lowpass{sos: sos}, nil
}

// Filter applies the cascade in place in one forward pass with fresh state.
func (f *Lowpass) Filter(x []float64) {
	n := len(f.sos)
	s1 := make([]float64, n)
	s2 := make([]float64, n)

	for t, v := range x {
		for i := range f.sos {
			s := &f.sos[i]
			y := s.b0*v + s1[i]
			s1[i] = s.b1*v - s.a1*y + s2[i]
			s2[i] = s.b2*v - s.a2*y
			v = y
		}
		x[t] = v
	}
}

// FilterMatrix filters every row of a padded matrix along the time axis in
// one pass, with independent state per row. All rows must share the same
// length.
func (f *Lowpass) FilterMatrix(m [][]float64) error {
	if len(m) == 0 {
		return nil
	}
	cols := len(m[0])
	for _, row := range m {
		if len(row) != cols {
			return fmt.Errorf("ragged matrix: row of %d samples, expected %d", len(row), cols)
		}
	}

	nsec := len(f.sos)
	rows := len(m)
	s1 := make([][]float64, nsec)
	s2 := make([][]float64, nsec)
	for i := range s1 {
		s1[i] = make([]float64, rows)
		s2[i] = make([]float64, rows)
	}

	for t := 0; t < cols; t++ {
		for r := 0; r < rows; r++ {
			v := m[r][t]
			for i := range f.sos {
				s := &f.sos[i]
				y := s.b0*v + s1[i][r]
				s1[i][r] = s.b1*v - s.a1*y + s2[i][r]
				s2[i][r] = s.b2*v - s.a2*y
				v = y
			}
			m[r][t] = v
		}
	}
	return nil
}

// Demean subtracts the arithmetic mean in place.
func Demean(x []float64) {
	if len(x) == 0 {
		return
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	mean := sum / float64(len(x))
	for i := range x {
		x[i] -= mean
	}
}

// Scale multiplies every sample by the calibration constant in place.
func Scale(x []float64, c float64) {
	for i := range x {
		x[i] *= c
	}
}

// TaperStart ramps the first n samples linearly from 0 to 1 in place,
// suppressing the filter's start-up transient on reassembled traces.
// Samples beyond the ramp are untouched.
func TaperStart(x []float64, n int) {
	if n > len(x) {
		n = len(x)
	}
	if n <= 1 {
		return
	}
	for i := 0; i < n; i++ {
		x[i] *= float64(i) / float64(n-1)
	}
}

// TaperSamples is the start-edge taper length: 2 seconds or 200 samples,
// whichever is smaller.
func TaperSamples(sampRate int) int {
	n := 2 * sampRate
	if n > 200 {
		n = 200
	}
	return n
}

// PGA returns max(|x|).
func PGA(x []float64) float64 {
	var peak float64
	for _, v := range x {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}
