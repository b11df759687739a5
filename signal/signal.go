// Package signal generates and converts the integer sample blocks the
// correlation pipeline consumes: maximum-length test sequences and the
// host-side mirror of the device conversion callbacks, used for parity
// validation.
package signal

import "fmt"

// sequencePoly is the feedback polynomial of the 32-bit LFSR, tapped at
// bit 31.
const sequencePoly = 0xB8000000

// MSequence returns n samples of the maximum-length sequence seeded by
// seed, as ±1 integers. A zero seed would lock the register, so it is
// replaced with 1.
func MSequence(seed uint32, n int) []int32 {
	if n <= 0 {
		return nil
	}
	if seed == 0 {
		seed = 1
	}
	out := make([]int32, n)
	lfsr := seed
	for i := range out {
		if (lfsr>>31)&1 != 0 {
			out[i] = 1
			lfsr = (lfsr << 1) ^ sequencePoly
		} else {
			out[i] = -1
			lfsr = lfsr << 1
		}
	}
	return out
}

// ConvertReference fans one block of raw reference samples out into
// numShifts scaled complex windows; window w at position i reads sample
// (i+w) mod N. This mirrors what the device pre-callback computes, so
// the two can be compared element for element.
func ConvertReference(ref []int32, numShifts int, scale float32) []complex64 {
	n := len(ref)
	out := make([]complex64, numShifts*n)
	for shift := 0; shift < numShifts; shift++ {
		for i := 0; i < n; i++ {
			out[shift*n+i] = complex(float32(ref[(i+shift)%n])*scale, 0)
		}
	}
	return out
}

// ConvertInputs converts concatenated raw input blocks to scaled
// complex samples without rotation.
func ConvertInputs(inputs []int32, scale float32) []complex64 {
	out := make([]complex64, len(inputs))
	for i, v := range inputs {
		out[i] = complex(float32(v)*scale, 0)
	}
	return out
}

// VerifyConversion compares two conversion results component-wise
// against a tolerance and reports how many elements differ, naming the
// first offender.
func VerifyConversion(got, want []complex64, tolerance float32) error {
	if len(got) != len(want) {
		return fmt.Errorf("signal: conversion length mismatch: got %d elements, want %d",
			len(got), len(want))
	}
	bad, first := 0, -1
	for i := range got {
		dx := real(got[i]) - real(want[i])
		dy := imag(got[i]) - imag(want[i])
		if dx < 0 {
			dx = -dx
		}
		if dy < 0 {
			dy = -dy
		}
		if dx > tolerance || dy > tolerance {
			bad++
			if first < 0 {
				first = i
			}
		}
	}
	if bad > 0 {
		return fmt.Errorf("signal: %d/%d elements differ beyond %g, first at %d: got %v, want %v",
			bad, len(got), tolerance, first, got[first], want[first])
	}
	return nil
}
