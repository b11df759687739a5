package correlator

import (
	"math"
	"strings"
	"testing"

	algofft "github.com/MeKo-Christian/algo-fft"

	"github.com/openfluke/rake/signal"
)

func TestValidateStep1FlagsSizeMismatch(t *testing.T) {
	p := testParams()
	snap := NewSnapshot()
	snap.SaveReferenceSpectra(make([]complex64, 3), p.NumShifts, p.SignalLen)

	r := NewValidator().ValidateStep1(snap, p)
	if r.Valid {
		t.Fatal("undersized spectra passed validation")
	}
	if len(r.Errors) != 1 || !strings.Contains(r.Errors[0], "expected 64") {
		t.Fatalf("unexpected errors: %v", r.Errors)
	}
}

func TestValidateStep1FlagsNonFinite(t *testing.T) {
	p := testParams()
	bins := make([]complex64, p.NumShifts*p.SignalLen)
	bins[7] = complex(float32(math.NaN()), 0)
	bins[9] = complex(0, float32(math.Inf(1)))
	snap := NewSnapshot()
	snap.SaveReferenceSpectra(bins, p.NumShifts, p.SignalLen)

	r := NewValidator().ValidateStep1(snap, p)
	if r.Valid {
		t.Fatal("non-finite spectra passed validation")
	}
	if len(r.Errors) != 1 || !strings.Contains(r.Errors[0], "first at 7") {
		t.Fatalf("unexpected errors: %v", r.Errors)
	}
}

func TestValidateStep2WarnsOnHugeMagnitude(t *testing.T) {
	p := testParams()
	bins := make([]complex64, p.NumSignals*p.SignalLen)
	bins[3] = complex(float32(2e6), 0)
	snap := NewSnapshot()
	snap.SaveInputSpectra(bins, p.NumSignals, p.SignalLen)

	r := NewValidator().ValidateStep2(snap, p)
	if !r.Valid {
		t.Fatalf("oversized magnitude should warn, not fail: %v", r.Errors)
	}
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "first at 3") {
		t.Fatalf("unexpected warnings: %v", r.Warnings)
	}
}

func TestValidateStep3(t *testing.T) {
	p := testParams()
	count := p.NumWindows() * p.PointsPerWindow

	t.Run("empty", func(t *testing.T) {
		r := NewValidator().ValidateStep3(NewSnapshot(), p)
		if r.Valid {
			t.Fatal("empty peaks passed validation")
		}
	})

	t.Run("negative warns", func(t *testing.T) {
		peaks := make([]float32, count)
		peaks[5] = -1
		snap := NewSnapshot()
		snap.SavePeaks(peaks, p.NumSignals, p.NumShifts, p.PointsPerWindow)
		r := NewValidator().ValidateStep3(snap, p)
		if !r.Valid {
			t.Fatalf("negative peak should warn, not fail: %v", r.Errors)
		}
		if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "negative") {
			t.Fatalf("unexpected warnings: %v", r.Warnings)
		}
	})

	t.Run("non-finite fails", func(t *testing.T) {
		peaks := make([]float32, count)
		peaks[0] = float32(math.Inf(1))
		snap := NewSnapshot()
		snap.SavePeaks(peaks, p.NumSignals, p.NumShifts, p.PointsPerWindow)
		if r := NewValidator().ValidateStep3(snap, p); r.Valid {
			t.Fatal("infinite peak passed validation")
		}
	})
}

func TestValidationSummary(t *testing.T) {
	r := okResult()
	if got := r.Summary(); got != "valid" {
		t.Errorf("clean summary = %q", got)
	}
	r.addWarning("w")
	if got := r.Summary(); got != "valid, 1 warning(s)" {
		t.Errorf("warning summary = %q", got)
	}
	r.addError("e")
	r.addError("e2")
	if got := r.Summary(); got != "invalid: 2 error(s), 1 warning(s)" {
		t.Errorf("error summary = %q", got)
	}
}

// hostReferenceSpectra computes the conjugated shifted-reference
// spectra entirely on the host.
func hostReferenceSpectra(t *testing.T, ref []int32, numShifts int, scale float32) []complex64 {
	t.Helper()
	n := len(ref)
	plan, err := algofft.NewPlanT[complex64](n)
	if err != nil {
		t.Fatalf("NewPlanT: %v", err)
	}
	converted := signal.ConvertReference(ref, numShifts, scale)
	out := make([]complex64, numShifts*n)
	bin := make([]complex64, n)
	for w := 0; w < numShifts; w++ {
		if err := plan.Forward(bin, converted[w*n:(w+1)*n]); err != nil {
			t.Fatalf("Forward: %v", err)
		}
		for i, c := range bin {
			out[w*n+i] = complex(real(c), -imag(c))
		}
	}
	return out
}

func TestValidateReferenceParity(t *testing.T) {
	p := testParams()
	ref := signal.MSequence(0x80000000, p.SignalLen)
	spectra := hostReferenceSpectra(t, ref, p.NumShifts, float32(p.ScaleFactor))

	snap := NewSnapshot()
	snap.SaveReferenceSpectra(spectra, p.NumShifts, p.SignalLen)
	if r := NewValidator().ValidateReferenceParity(snap, p, ref); !r.Valid {
		t.Fatalf("matching spectra failed parity: %v", r.Errors)
	}

	perturbed := append([]complex64(nil), spectra...)
	perturbed[5] += 1
	snap.SaveReferenceSpectra(perturbed, p.NumShifts, p.SignalLen)
	r := NewValidator().ValidateReferenceParity(snap, p, ref)
	if r.Valid {
		t.Fatal("perturbed spectra passed parity")
	}
	if len(r.Errors) != 1 || !strings.Contains(r.Errors[0], "parity") {
		t.Fatalf("unexpected errors: %v", r.Errors)
	}
}
