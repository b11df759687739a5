package gpu

import (
	"fmt"
	"math/bits"
)

const (
	// workgroupSize is the thread count per workgroup in generated
	// pass shaders. A pure load-twiddle-store pass gains nothing from
	// larger groups.
	workgroupSize = 64

	// maxGroupsX keeps one dispatch dimension under the per-dimension
	// workgroup limit; past it the grid folds into Y.
	maxGroupsX = 32768
)

// planPasses returns log2(n) for a power-of-two transform length.
func planPasses(n int) (int, error) {
	if n < 2 || n&(n-1) != 0 {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidLength, n)
	}
	return bits.TrailingZeros64(uint64(n)), nil
}

// dispatchDims folds the butterfly thread count into a 2-D dispatch
// grid when a single row of workgroups is not enough.
func dispatchDims(threads uint64) (x, y uint32) {
	groups := (threads + workgroupSize - 1) / workgroupSize
	if groups == 0 {
		groups = 1
	}
	if groups <= maxGroupsX {
		return uint32(groups), 1
	}
	return maxGroupsX, uint32((groups + maxGroupsX - 1) / maxGroupsX)
}

// planInputBytes is the minimum input buffer size a plan accepts. The
// rotating pre-callback fans one shared sample block out to every
// window, so it needs a single block of raw samples.
func planInputBytes(spec PlanSpec) uint64 {
	n := uint64(spec.Length)
	batch := uint64(spec.Batch)
	switch spec.Pre {
	case PreConvertRotate:
		return n * 4
	case PreConvert:
		return batch * n * 4
	default:
		return batch * n * 8
	}
}

func planOutputBytes(spec PlanSpec) uint64 {
	return uint64(spec.Batch) * uint64(spec.Length) * 8
}

// validatePlanSpec rejects specs that cannot bake: bad shape, missing
// buffers, or parameter regions smaller than their headers. Oversized
// buffers pass; the allocated size is trusted over the request.
func validatePlanSpec(spec PlanSpec) error {
	if _, err := planPasses(spec.Length); err != nil {
		return err
	}
	if spec.Batch < 1 {
		return fmt.Errorf("%w: batch %d", ErrInvalidBatch, spec.Batch)
	}
	if spec.Input == nil || spec.Output == nil {
		return fmt.Errorf("%w: plan %q needs input and output buffers", ErrNilBuffer, spec.Label)
	}
	if got, want := spec.Input.Size(), planInputBytes(spec); got < want {
		return fmt.Errorf("%w: plan %q input has %d bytes, needs %d",
			ErrBufferTooSmall, spec.Label, got, want)
	}
	if got, want := spec.Output.Size(), planOutputBytes(spec); got < want {
		return fmt.Errorf("%w: plan %q output has %d bytes, needs %d",
			ErrBufferTooSmall, spec.Label, got, want)
	}

	switch spec.Pre {
	case PreConvert, PreConvertRotate:
		if spec.PreParams == nil {
			return fmt.Errorf("%w: plan %q pre-callback has no parameter buffer",
				ErrMissingParams, spec.Label)
		}
		if spec.PreParams.Size() < ConvertParamsSize {
			return fmt.Errorf("%w: plan %q convert params buffer has %d bytes, needs %d",
				ErrBufferTooSmall, spec.Label, spec.PreParams.Size(), ConvertParamsSize)
		}
	case PreMultiply:
		if spec.PreParams == nil {
			return fmt.Errorf("%w: plan %q pre-callback has no parameter buffer",
				ErrMissingParams, spec.Label)
		}
		if spec.PreParams.Size() < MultiplyParamsSize {
			return fmt.Errorf("%w: plan %q multiply scratch has %d bytes, needs at least %d",
				ErrBufferTooSmall, spec.Label, spec.PreParams.Size(), MultiplyParamsSize)
		}
	}

	if spec.Post == PostPeaks {
		if spec.PostParams == nil {
			return fmt.Errorf("%w: plan %q post-callback has no parameter buffer",
				ErrMissingParams, spec.Label)
		}
		if spec.PostParams.Size() < PeaksParamsSize {
			return fmt.Errorf("%w: plan %q peaks scratch has %d bytes, needs at least %d",
				ErrBufferTooSmall, spec.Label, spec.PostParams.Size(), PeaksParamsSize)
		}
	}
	return nil
}
