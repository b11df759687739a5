package gpu

import (
	"errors"
	"strings"
	"testing"
)

// testBuffer builds a host buffer of the given size for spec
// validation tests.
func testBuffer(label string, size uint64) *cpuBuffer {
	return &cpuBuffer{label: label, data: make([]byte, size)}
}

// forwardSpec builds a minimal valid forward plan spec with plain
// load and store.
func forwardSpec(n, batch int) PlanSpec {
	spec := PlanSpec{
		Label:     "test",
		Length:    n,
		Batch:     batch,
		Direction: Forward,
	}
	spec.Input = testBuffer("in", planInputBytes(spec))
	spec.Output = testBuffer("out", planOutputBytes(spec))
	return spec
}

// TestGeneratePassCount verifies a length-N plan compiles to log2(N)
// passes with ordered labels.
func TestGeneratePassCount(t *testing.T) {
	sources, err := generatePlanSources(forwardSpec(8, 2))
	if err != nil {
		t.Fatalf("generatePlanSources: %v", err)
	}
	if len(sources) != 3 {
		t.Fatalf("Expected 3 passes for length 8, got %d", len(sources))
	}
	for i, s := range sources {
		if !strings.Contains(s.Code, "fn main") {
			t.Errorf("pass %d has no entry point", i)
		}
	}
	if sources[0].Label != "test/pass00" || sources[2].Label != "test/pass02" {
		t.Errorf("unexpected pass labels %q, %q", sources[0].Label, sources[2].Label)
	}
}

// TestGenerateRejectsBadLength verifies non-power-of-two and degenerate
// lengths fail with ErrInvalidLength.
func TestGenerateRejectsBadLength(t *testing.T) {
	for _, n := range []int{0, 1, 3, 6, 100} {
		spec := forwardSpec(8, 1)
		spec.Length = n
		if _, err := generatePlanSources(spec); !errors.Is(err, ErrInvalidLength) {
			t.Errorf("length %d: expected ErrInvalidLength, got %v", n, err)
		}
	}
}

// TestRotatingConvertSource verifies the shared-block convert pass
// reads raw integers and applies the per-window cyclic shift.
func TestRotatingConvertSource(t *testing.T) {
	spec := forwardSpec(8, 4)
	spec.Pre = PreConvertRotate
	spec.Input = testBuffer("raw", planInputBytes(spec))
	spec.PreParams = testBuffer("params", ConvertParamsSize)

	sources, err := generatePlanSources(spec)
	if err != nil {
		t.Fatalf("generatePlanSources: %v", err)
	}
	first := sources[0].Code
	if !strings.Contains(first, "array<i32>") {
		t.Errorf("first pass should read raw i32 samples:\n%s", first)
	}
	if !strings.Contains(first, "src[(i + w) % N]") {
		t.Errorf("first pass should rotate reads by window index:\n%s", first)
	}
	if strings.Contains(sources[1].Code, "array<i32>") {
		t.Errorf("interior pass should read complex scratch, not raw samples")
	}
}

// TestConjugateStoreOnFinalPassOnly verifies the conjugating store is
// fused into the last pass and nowhere else.
func TestConjugateStoreOnFinalPassOnly(t *testing.T) {
	spec := forwardSpec(8, 1)
	spec.Post = PostConjugate

	sources, err := generatePlanSources(spec)
	if err != nil {
		t.Fatalf("generatePlanSources: %v", err)
	}
	for i, s := range sources {
		got := strings.Contains(s.Code, "vec2<f32>(v.x, -v.y)")
		want := i == len(sources)-1
		if got != want {
			t.Errorf("pass %d: conjugate store present = %v, want %v", i, got, want)
		}
	}
}

// TestMultiplySourceBindsScratchNotInput verifies the multiply plan
// reads both spectra from the combined parameter region and never
// binds the formal plan input.
func TestMultiplySourceBindsScratchNotInput(t *testing.T) {
	spec := PlanSpec{
		Label:     "mul",
		Length:    8,
		Batch:     6,
		Direction: Inverse,
		Pre:       PreMultiply,
	}
	spec.Input = testBuffer("in", planInputBytes(spec))
	spec.Output = testBuffer("out", planOutputBytes(spec))
	spec.PreParams = testBuffer("scratch", MultiplyParamsSize+6*8*8*2)

	sources, err := generatePlanSources(spec)
	if err != nil {
		t.Fatalf("generatePlanSources: %v", err)
	}
	first := sources[0]
	if first.Bindings[0].Role != rolePreParams {
		t.Errorf("Expected binding 0 role %v, got %v", rolePreParams, first.Bindings[0].Role)
	}
	for _, s := range sources {
		for _, b := range s.Bindings {
			if b.Role == roleInput {
				t.Errorf("pass %q binds the formal input; multiply plans must not", s.Label)
			}
		}
	}
	if !strings.Contains(first.Code, "ud[1u]") || !strings.Contains(first.Code, "ud[2u]") {
		t.Errorf("multiply pass should read table geometry from header words:\n%s", first.Code)
	}
	if !strings.Contains(first.Code, "bitcast<f32>") {
		t.Errorf("multiply pass should reinterpret table words as floats")
	}
}

// TestInverseScaleFoldedIntoFinalPass verifies only the last inverse
// pass scales by 1/N, so fused stores observe normalized values.
func TestInverseScaleFoldedIntoFinalPass(t *testing.T) {
	spec := forwardSpec(8, 1)
	spec.Direction = Inverse

	sources, err := generatePlanSources(spec)
	if err != nil {
		t.Fatalf("generatePlanSources: %v", err)
	}
	for i, s := range sources {
		scaled := strings.Contains(s.Code, "const OUT_SCALE: f32 = 1.0 / 8.0;")
		if i == len(sources)-1 && !scaled {
			t.Errorf("final inverse pass missing 1/N output scale")
		}
		if i != len(sources)-1 && scaled {
			t.Errorf("pass %d scales output; only the final pass may", i)
		}
	}

	fwd, err := generatePlanSources(forwardSpec(8, 1))
	if err != nil {
		t.Fatalf("generatePlanSources: %v", err)
	}
	for i, s := range fwd {
		if !strings.Contains(s.Code, "const OUT_SCALE: f32 = 1.0;") {
			t.Errorf("forward pass %d should not scale output", i)
		}
	}
}

// TestScratchPingPong verifies interior passes alternate the two
// scratch buffers so each pass reads what the previous one wrote.
func TestScratchPingPong(t *testing.T) {
	sources, err := generatePlanSources(forwardSpec(16, 1))
	if err != nil {
		t.Fatalf("generatePlanSources: %v", err)
	}
	if len(sources) != 4 {
		t.Fatalf("Expected 4 passes for length 16, got %d", len(sources))
	}
	want := []struct{ src, dst bufferRole }{
		{roleInput, roleScratchA},
		{roleScratchA, roleScratchB},
		{roleScratchB, roleScratchA},
		{roleScratchA, roleOutput},
	}
	for i, w := range want {
		if got := sources[i].Bindings[0].Role; got != w.src {
			t.Errorf("pass %d: src role %v, want %v", i, got, w.src)
		}
		if got := sources[i].Bindings[1].Role; got != w.dst {
			t.Errorf("pass %d: dst role %v, want %v", i, got, w.dst)
		}
	}
}

// TestPeaksPolicySources verifies the two peak policies emit the
// expected store flavors.
func TestPeaksPolicySources(t *testing.T) {
	spec := PlanSpec{
		Label:     "peaks",
		Length:    8,
		Batch:     2,
		Direction: Inverse,
		Pre:       PreMultiply,
		Post:      PostPeaks,
	}
	spec.Input = testBuffer("in", planInputBytes(spec))
	spec.Output = testBuffer("out", planOutputBytes(spec))
	spec.PreParams = testBuffer("scratch", MultiplyParamsSize+2*8*8*2)
	spec.PostParams = testBuffer("peaks", PeaksParamsSize+2*4*4)

	fixed, err := generatePlanSources(spec)
	if err != nil {
		t.Fatalf("generatePlanSources(fixed): %v", err)
	}
	lastFixed := fixed[len(fixed)-1].Code
	if !strings.Contains(lastFixed, "peaks_ud[PEAKS_HDR + w * points + i]") {
		t.Errorf("fixed policy should store one magnitude per leading point:\n%s", lastFixed)
	}
	if !strings.Contains(lastFixed, "array<u32>") {
		t.Errorf("fixed policy peaks region should bind as plain words")
	}

	spec.Policy = PeakRunningMax
	running, err := generatePlanSources(spec)
	if err != nil {
		t.Fatalf("generatePlanSources(running): %v", err)
	}
	lastRunning := running[len(running)-1].Code
	if !strings.Contains(lastRunning, "atomicMax") {
		t.Errorf("running-max policy should reduce with atomicMax:\n%s", lastRunning)
	}
	if !strings.Contains(lastRunning, "array<atomic<u32>>") {
		t.Errorf("running-max peaks region should bind as atomic words")
	}
}

// TestDispatchDims verifies the thread grid folds into two dimensions
// only past the per-dimension workgroup limit.
func TestDispatchDims(t *testing.T) {
	cases := []struct {
		threads uint64
		x, y    uint32
	}{
		{1, 1, 1},
		{64, 1, 1},
		{65, 2, 1},
		{64 * maxGroupsX, maxGroupsX, 1},
		{64*maxGroupsX + 1, maxGroupsX, 2},
	}
	for _, c := range cases {
		x, y := dispatchDims(c.threads)
		if x != c.x || y != c.y {
			t.Errorf("dispatchDims(%d): got (%d, %d), want (%d, %d)", c.threads, x, y, c.x, c.y)
		}
	}
}

// TestValidateRejectsMissingParams verifies callback plans demand their
// parameter buffers up front.
func TestValidateRejectsMissingParams(t *testing.T) {
	spec := forwardSpec(8, 1)
	spec.Pre = PreConvert
	spec.Input = testBuffer("raw", planInputBytes(spec))
	if err := validatePlanSpec(spec); !errors.Is(err, ErrMissingParams) {
		t.Errorf("convert without params: expected ErrMissingParams, got %v", err)
	}

	spec.PreParams = testBuffer("params", ConvertParamsSize-4)
	if err := validatePlanSpec(spec); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("undersized params: expected ErrBufferTooSmall, got %v", err)
	}

	spec.PreParams = testBuffer("params", ConvertParamsSize)
	if err := validatePlanSpec(spec); err != nil {
		t.Errorf("valid convert spec rejected: %v", err)
	}
}
