package gpu

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Backend is implemented by compute backends (WebGPU, CPU emulation).
type Backend interface {
	Name() string
	Available() bool
	Open() (Context, error)
}

// Context is a device context owning buffers and transform plans. One
// pipeline instance issues all its work through one context; contexts
// are not safe for concurrent use.
type Context interface {
	Info() DeviceInfo

	// CreateBuffer allocates a device buffer. The actual allocated size
	// may exceed the requested size (alignment padding); callers must
	// trust Buffer.Size over their own arithmetic.
	CreateBuffer(label string, size uint64) (Buffer, error)

	// Upload copies host bytes into a buffer without blocking the host.
	Upload(dst Buffer, offset uint64, data []byte, waits []Event) (Event, error)

	// Copy moves bytes device-to-device, never through the host.
	Copy(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64, waits []Event) (Event, error)

	// Download reads buffer bytes back to host memory. The read
	// completes when the returned event is waited on.
	Download(src Buffer, offset uint64, dst []byte, waits []Event) (Event, error)

	// BuildPlan bakes a transform plan. Callbacks in the spec are fused
	// at this point and cannot change afterwards.
	BuildPlan(spec PlanSpec) (Plan, error)

	// TeardownPlanner releases backend-held transform infrastructure
	// (compiled module caches, planner tables). BuildPlan fails after
	// this. Must be called after every plan is closed and before
	// buffers are released.
	TeardownPlanner() error

	Close() error
}

// Buffer is an opaque device memory region.
type Buffer interface {
	Label() string
	// Size reports the actual allocated byte size, which may exceed
	// what was requested.
	Size() uint64
	Close() error
}

// Plan is a baked batched 1-D transform with fused callbacks.
type Plan interface {
	Length() int
	Batch() int
	// Enqueue issues the transform chained on waits. in and out must be
	// the buffers the plan was baked against.
	Enqueue(in, out Buffer, waits []Event) (Event, error)
	Close() error
}

// Event is a completion handle for one enqueued device operation.
type Event interface {
	// Wait blocks the calling goroutine until the operation finishes.
	Wait() error
	// Timing is valid once the event completed.
	Timing() (EventTiming, error)
}

var (
	backendMu sync.RWMutex
	backends  = map[string]Backend{}
)

// Register makes a backend selectable by name. Called from backend
// init functions.
func Register(b Backend) {
	backendMu.Lock()
	backends[b.Name()] = b
	backendMu.Unlock()
}

// Lookup returns a registered backend by name.
func Lookup(name string) (Backend, bool) {
	backendMu.RLock()
	b, ok := backends[name]
	backendMu.RUnlock()
	return b, ok
}

// Names lists registered backends, sorted.
func Names() []string {
	backendMu.RLock()
	out := make([]string, 0, len(backends))
	for k := range backends {
		out = append(out, k)
	}
	backendMu.RUnlock()
	sort.Strings(out)
	return out
}

// Open opens a context on the first available backend from the given
// preference order. Empty or "auto" entries expand to WebGPU first,
// then the CPU emulation.
func Open(preference ...string) (Context, error) {
	var names []string
	for _, p := range preference {
		if p == "" || p == "auto" {
			names = append(names, "webgpu", "cpu")
			continue
		}
		names = append(names, p)
	}
	if len(names) == 0 {
		names = []string{"webgpu", "cpu"}
	}

	var errs []error
	for _, name := range names {
		b, ok := Lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownBackend, name))
			continue
		}
		if !b.Available() {
			errs = append(errs, fmt.Errorf("%w: %q", ErrBackendUnavailable, name))
			continue
		}
		ctx, err := b.Open()
		if err != nil {
			errs = append(errs, fmt.Errorf("open %q: %w", name, err))
			continue
		}
		return ctx, nil
	}
	errs = append([]error{ErrNoBackend}, errs...)
	return nil, errors.Join(errs...)
}
