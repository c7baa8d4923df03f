// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import "math"

// NegInf is the most negative finite float32, used as -infinity for masking
// before softmax (avoids importing math.Inf which returns float64).
const NegInf = -float32(math.MaxFloat32)

// ---------------------------------------------------------------------------
// Pure-float32 math functions
//
// These avoid float64 casts to keep the entire compute path in float32,
// matching what the BLAS sgemm kernels operate on. Each uses standard
// numerical techniques: range reduction, Horner polynomials, and
// fast inverse sqrt.
// ---------------------------------------------------------------------------

// ExpF32 computes exp(x) in pure float32.
//
// Algorithm: range reduction x = k*ln2 + r, then Horner polynomial on r.
//
//	exp(x) = 2^k * (1 + r + r^2/2! + r^3/3! + r^4/4! + r^5/5!)
//
// Clamps to 0 / +Inf outside the representable range of float32.
func ExpF32(x float32) float32 {
	if x > 88.72 {
		return float32(math.Inf(1))
	}
	if x < -87.33 {
		return 0
	}
	const (
		invLn2 = float32(1.4426950)
		ln2Hi  = float32(0.6931458)
		ln2Lo  = float32(1.4286068e-06)
	)
	var k int32
	if x >= 0 {
		k = int32(x*invLn2 + 0.5)
	} else {
		k = int32(x*invLn2 - 0.5)
	}
	kf := float32(k)
	r := x - kf*ln2Hi - kf*ln2Lo
	r2 := r * r
	p := float32(1) + r + r2*(0.5+r*(0.16666667+r*(0.04166668+r*0.008333334)))
	// Reconstruct 2^k by shifting into the IEEE 754 exponent field.
	return p * math.Float32frombits(uint32(127+k)<<23)
}

// SqrtF32 computes sqrt(x) via the fast inverse square root trick
// followed by two Newton-Raphson refinement steps.
func SqrtF32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	bits := math.Float32bits(x)
	bits = 0x5f3759df - (bits >> 1)
	y := math.Float32frombits(bits)
	half := 0.5 * x
	y = y * (1.5 - half*y*y)
	y = y * (1.5 - half*y*y)
	return x * y
}

// LogF32 computes ln(x) via IEEE 754 decomposition: x = 2^e * m,
// then atanh-series polynomial on s = (m-1)/(m+1).
//
//	ln(x) = e*ln(2) + 2*s*(1 + s^2/3 + s^4/5 + s^6/7)
func LogF32(x float32) float32 {
	if x <= 0 {
		return NegInf
	}
	bits := math.Float32bits(x)
	e := int32((bits>>23)&0xFF) - 127
	bits = (bits & 0x007FFFFF) | 0x3F800000
	m := math.Float32frombits(bits)
	s := (m - 1) / (m + 1)
	s2 := s * s
	p := 2.0 * s * (1 + s2*(0.33333334+s2*(0.2+s2*0.14285715)))
	return float32(e)*0.6931472 + p
}

// PowF32 computes base^exp in float32 via exp(exp * ln(base)).
func PowF32(base, exp float32) float32 {
	if base <= 0 {
		return 0
	}
	return ExpF32(exp * LogF32(base))
}

// SinF32 computes sin(x) via range reduction to [0, pi/2]
// then a Horner polynomial approximation.
func SinF32(x float32) float32 {
	const (
		twoPi  = float32(6.2831855)
		pi     = float32(3.1415927)
		halfPi = float32(1.5707964)
	)
	x -= float32(int32(x/twoPi)) * twoPi
	if x < 0 {
		x += twoPi
	}
	sign := float32(1)
	if x > pi {
		sign = -1
		x -= pi
	}
	if x > halfPi {
		x = pi - x
	}
	x2 := x * x
	return sign * x * (1 - x2*(0.16666667-x2*(0.008333334-x2*0.00019841270)))
}

// CosF32 computes cos(x) = sin(x + pi/2).
func CosF32(x float32) float32 { return SinF32(x + 1.5707964) }

// RoundBF16 rounds a float32 to the nearest bfloat16-representable value.
// bfloat16 keeps the float32 exponent and truncates the mantissa to 7 bits;
// rounding is round-to-nearest-even on the dropped bits. NaN is preserved.
func RoundBF16(x float32) float32 {
	bits := math.Float32bits(x)
	if bits&0x7F800000 == 0x7F800000 && bits&0x007FFFFF != 0 {
		return x // NaN
	}
	round := uint32(0x7FFF + ((bits >> 16) & 1))
	return math.Float32frombits((bits + round) &^ 0xFFFF)
}

// IsFiniteF32 reports whether x is neither NaN nor infinite.
func IsFiniteF32(x float32) bool {
	return x == x && x <= math.MaxFloat32 && x >= -math.MaxFloat32
}
