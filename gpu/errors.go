package gpu

import "errors"

var (
	// ErrNoBackend is returned when no registered backend is available on
	// this system.
	ErrNoBackend = errors.New("rake/gpu: no backend available")

	// ErrUnknownBackend is returned when a backend is requested by a name
	// that was never registered.
	ErrUnknownBackend = errors.New("rake/gpu: unknown backend")

	// ErrBackendUnavailable is returned when the backend is registered but
	// cannot run here (no adapter, missing driver).
	ErrBackendUnavailable = errors.New("rake/gpu: backend unavailable")

	// ErrInvalidLength is returned for transform lengths that are not a
	// positive power of two.
	ErrInvalidLength = errors.New("rake/gpu: transform length must be a power of two")

	// ErrInvalidBatch is returned for non-positive batch counts.
	ErrInvalidBatch = errors.New("rake/gpu: batch count must be positive")

	// ErrNilBuffer is returned when a required buffer is nil.
	ErrNilBuffer = errors.New("rake/gpu: nil buffer")

	// ErrBufferTooSmall is returned when a buffer cannot hold the bytes a
	// plan or transfer needs.
	ErrBufferTooSmall = errors.New("rake/gpu: buffer too small")

	// ErrBufferRange is returned when a transfer falls outside a buffer.
	ErrBufferRange = errors.New("rake/gpu: transfer range out of bounds")

	// ErrMissingParams is returned when a callback kind needs a parameter
	// buffer and none was attached before bake.
	ErrMissingParams = errors.New("rake/gpu: callback parameter buffer required")

	// ErrPlanBinding is returned when Enqueue is called with buffers other
	// than the ones the plan was baked against.
	ErrPlanBinding = errors.New("rake/gpu: buffers do not match baked plan")

	// ErrPlannerDown is returned by BuildPlan after TeardownPlanner.
	ErrPlannerDown = errors.New("rake/gpu: planner torn down")

	// ErrContextClosed is returned by operations on a closed context.
	ErrContextClosed = errors.New("rake/gpu: context closed")
)
