package gpu

import (
	"fmt"
	"strings"
)

// bufferRole names which plan buffer a generated binding slot expects,
// so the backend can assemble bind groups without parsing shader text.
type bufferRole int

const (
	roleInput bufferRole = iota
	roleScratchA
	roleScratchB
	roleOutput
	rolePreParams
	rolePostParams
)

type passBinding struct {
	Binding uint32
	Role    bufferRole
}

// passSource is one generated butterfly pass: shader text, the buffers
// its bindings expect, and its dispatch grid.
type passSource struct {
	Label    string
	Code     string
	Bindings []passBinding
	GroupsX  uint32
	GroupsY  uint32
}

// generatePlanSources emits one compute shader per radix-2 pass of a
// plan. Pass 0's load is replaced by the pre-callback and the final
// pass's store by the post-callback, so both callbacks ride along with
// the transform instead of costing separate launches. Out-of-place
// throughout: pass 0 reads the plan input, interior passes ping-pong
// two scratch buffers, the final pass writes the plan output. The
// inverse 1/N scale folds into the final pass before its store runs,
// so a post-callback always sees the scaled value.
func generatePlanSources(spec PlanSpec) ([]passSource, error) {
	if err := validatePlanSpec(spec); err != nil {
		return nil, err
	}
	passes, err := planPasses(spec.Length)
	if err != nil {
		return nil, err
	}
	threads := uint64(spec.Batch) * uint64(spec.Length/2)
	gx, gy := dispatchDims(threads)

	out := make([]passSource, 0, passes)
	for p := 0; p < passes; p++ {
		first := p == 0
		last := p == passes-1

		decls, binds := passBindings(spec, p, first, last)
		var b strings.Builder
		b.WriteString(decls)
		b.WriteString(passConsts(spec, p, last, gx, threads))
		b.WriteString(cmulWGSL)
		b.WriteString(loadWGSL(spec, first))
		b.WriteString(storeWGSL(spec, last))
		fmt.Fprintf(&b, mainWGSL, workgroupSize)

		out = append(out, passSource{
			Label:    fmt.Sprintf("%s/pass%02d", spec.Label, p),
			Code:     b.String(),
			Bindings: binds,
			GroupsX:  gx,
			GroupsY:  gy,
		})
	}
	return out, nil
}

// passBindings emits the binding declarations for one pass and the
// buffer roles they expect, in binding order. The multiply pre-callback
// reads both operands from its combined parameter region, so its pass
// never binds the formal plan input at all.
func passBindings(spec PlanSpec, pass int, first, last bool) (string, []passBinding) {
	// Even passes write scratch A, odd passes write scratch B, so pass
	// p reads whichever scratch pass p-1 wrote.
	srcDecl := `@group(0) @binding(0) var<storage, read> src : array<vec2<f32>>;`
	srcRole := roleScratchB
	if pass%2 == 1 {
		srcRole = roleScratchA
	}
	if first {
		switch spec.Pre {
		case PreConvert, PreConvertRotate:
			srcDecl = `@group(0) @binding(0) var<storage, read> src : array<i32>;`
			srcRole = roleInput
		case PreMultiply:
			srcDecl = `@group(0) @binding(0) var<storage, read> ud : array<u32>;`
			srcRole = rolePreParams
		default:
			srcRole = roleInput
		}
	}

	dstRole := roleOutput
	if !last {
		dstRole = roleScratchB
		if pass%2 == 0 {
			dstRole = roleScratchA
		}
	}

	decls := []string{
		srcDecl,
		`@group(0) @binding(1) var<storage, read_write> dst : array<vec2<f32>>;`,
	}
	binds := []passBinding{{0, srcRole}, {1, dstRole}}
	next := uint32(2)

	if first && (spec.Pre == PreConvert || spec.Pre == PreConvertRotate) {
		decls = append(decls, convertParamsWGSL,
			fmt.Sprintf(`@group(0) @binding(%d) var<storage, read> params : ConvertParams;`, next))
		binds = append(binds, passBinding{next, rolePreParams})
		next++
	}
	if last && spec.Post == PostPeaks {
		elem := "u32"
		if spec.Policy == PeakRunningMax {
			elem = "atomic<u32>"
		}
		decls = append(decls,
			fmt.Sprintf(`@group(0) @binding(%d) var<storage, read_write> peaks_ud : array<%s>;`, next, elem))
		binds = append(binds, passBinding{next, rolePostParams})
	}
	return strings.Join(decls, "\n") + "\n\n", binds
}

func passConsts(spec PlanSpec, pass int, last bool, gx uint32, threads uint64) string {
	dir := "-1.0"
	if spec.Direction == Inverse {
		dir = "1.0"
	}
	outScale := "1.0"
	if last && spec.Direction == Inverse {
		outScale = fmt.Sprintf("1.0 / %d.0", spec.Length)
	}
	return fmt.Sprintf(`const N: u32 = %du;
const HALF: u32 = %du;
const P: u32 = %du;
const TOTAL: u32 = %du;
const X_THREADS: u32 = %du;
const DIR: f32 = %s;
const PI: f32 = 3.14159265358979;
const OUT_SCALE: f32 = %s;

`, spec.Length, spec.Length/2, 1<<pass, threads, gx*workgroupSize, dir, outScale)
}

const cmulWGSL = `fn cmul(a: vec2<f32>, b: vec2<f32>) -> vec2<f32> {
	return vec2<f32>(a.x * b.x - a.y * b.y, a.x * b.y + a.y * b.x);
}

`

func loadWGSL(spec PlanSpec, first bool) string {
	if !first {
		return plainLoadWGSL
	}
	switch spec.Pre {
	case PreConvert:
		return convertLoadWGSL
	case PreConvertRotate:
		return rotateLoadWGSL
	case PreMultiply:
		return multiplyLoadWGSL
	default:
		return plainLoadWGSL
	}
}

func storeWGSL(spec PlanSpec, last bool) string {
	if !last {
		return plainStoreWGSL
	}
	switch spec.Post {
	case PostConjugate:
		return conjugateStoreWGSL
	case PostPeaks:
		if spec.Policy == PeakRunningMax {
			return peaksMaxStoreWGSL
		}
		return peaksFixedStoreWGSL
	default:
		return plainStoreWGSL
	}
}

const plainLoadWGSL = `fn load(e: u32) -> vec2<f32> {
	return src[e];
}

`

const convertLoadWGSL = `fn load(e: u32) -> vec2<f32> {
	return vec2<f32>(f32(src[e]) * params.scale, 0.0);
}

`

// Window w reads sample (i + w) mod N of the shared block, so one
// upload of N raw samples serves every cyclic shift.
const rotateLoadWGSL = `fn load(e: u32) -> vec2<f32> {
	let w = e / N;
	let i = e % N;
	return vec2<f32>(f32(src[(i + w) % N]) * params.scale, 0.0);
}

`

// The combined region is header words, then the reference spectrum
// table, then the input spectrum table. The reference table was
// conjugated by its producing plan, so a plain product here is a
// correlation in the frequency domain.
const multiplyLoadWGSL = `const HDR: u32 = 4u;

fn load(e: u32) -> vec2<f32> {
	let num_shifts = ud[1u];
	let n = ud[2u];
	let ref_words = num_shifts * n * 2u;
	let i = e % n;
	let w = e / n;
	let shift = w % num_shifts;
	let sig = w / num_shifts;
	let r = HDR + (shift * n + i) * 2u;
	let q = HDR + ref_words + (sig * n + i) * 2u;
	let ref_v = vec2<f32>(bitcast<f32>(ud[r]), bitcast<f32>(ud[r + 1u]));
	let inp_v = vec2<f32>(bitcast<f32>(ud[q]), bitcast<f32>(ud[q + 1u]));
	return cmul(ref_v, inp_v);
}

`

const plainStoreWGSL = `fn store(e: u32, v: vec2<f32>) {
	dst[e] = v;
}

`

const conjugateStoreWGSL = `fn store(e: u32, v: vec2<f32>) {
	dst[e] = vec2<f32>(v.x, -v.y);
}

`

const peaksFixedStoreWGSL = `const PEAKS_HDR: u32 = 6u;

fn store(e: u32, v: vec2<f32>) {
	dst[e] = v;
	let windows = peaks_ud[0u] * peaks_ud[1u];
	let n = peaks_ud[2u];
	let points = peaks_ud[3u];
	let w = e / n;
	let i = e % n;
	if (w < windows && i < points) {
		peaks_ud[PEAKS_HDR + w * points + i] = bitcast<u32>(length(v));
	}
}

`

// Magnitudes are non-negative, so their IEEE-754 bit patterns order
// the same way the values do and atomicMax can run on the raw bits.
const peaksMaxStoreWGSL = `const PEAKS_HDR: u32 = 6u;

fn store(e: u32, v: vec2<f32>) {
	dst[e] = v;
	let n = atomicLoad(&peaks_ud[2u]);
	let points = atomicLoad(&peaks_ud[3u]);
	let range = atomicLoad(&peaks_ud[4u]);
	let w = e / n;
	let i = e % n;
	if (i < range) {
		atomicMax(&peaks_ud[PEAKS_HDR + w * points], bitcast<u32>(length(v)));
	}
}

`

const mainWGSL = `@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let t = gid.y * X_THREADS + gid.x;
	if (t >= TOTAL) {
		return;
	}
	let w = t / HALF;
	let i = t %% HALF;
	let base = w * N;
	let k = i & (P - 1u);
	let j = ((i - k) << 1u) + k;
	let ang = DIR * PI * f32(k) / f32(P);
	let tw = vec2<f32>(cos(ang), sin(ang));
	let u0 = load(base + i);
	let u1 = cmul(load(base + i + HALF), tw);
	store(base + j, (u0 + u1) * OUT_SCALE);
	store(base + j + P, (u0 - u1) * OUT_SCALE);
}
`
