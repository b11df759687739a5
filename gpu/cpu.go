package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"time"

	algofft "github.com/MeKo-Christian/algo-fft"
)

func init() {
	Register(&cpuBackend{})
}

// cpuBackend runs plans in-process on algo-fft transforms. It keeps
// the device semantics exactly (callback fusion, inverse 1/N scaling,
// actual-over-requested buffer sizes) so the pipeline exercises the
// same paths with or without hardware.
type cpuBackend struct{}

func (b *cpuBackend) Name() string    { return "cpu" }
func (b *cpuBackend) Available() bool { return true }

func (b *cpuBackend) Open() (Context, error) {
	return &cpuContext{plans: map[int]*algofft.Plan[complex64]{}}, nil
}

// bufferAlign rounds CPU allocations up the way device allocators do;
// Size reports the rounded value, not the requested one.
const bufferAlign = 64

type cpuBuffer struct {
	label  string
	data   []byte
	closed bool
}

func (b *cpuBuffer) Label() string { return b.label }
func (b *cpuBuffer) Size() uint64  { return uint64(len(b.data)) }

func (b *cpuBuffer) Close() error {
	b.data = nil
	b.closed = true
	return nil
}

// cpuEvent is complete the moment it exists: the CPU backend runs work
// eagerly at enqueue and keeps the surrounding instants.
type cpuEvent struct {
	timing EventTiming
	err    error
}

func (e *cpuEvent) Wait() error { return e.err }

func (e *cpuEvent) Timing() (EventTiming, error) {
	if e.err != nil {
		return EventTiming{}, e.err
	}
	return e.timing, nil
}

type cpuContext struct {
	plans       map[int]*algofft.Plan[complex64]
	plannerDown bool
	closed      bool
}

func (c *cpuContext) Info() DeviceInfo {
	return DeviceInfo{
		Name:          "algo-fft software transform",
		Vendor:        "MeKo-Christian/algo-fft",
		DriverVersion: runtime.Version(),
		APIVersion:    "in-process",
		Backend:       "cpu",
	}
}

func (c *cpuContext) CreateBuffer(label string, size uint64) (Buffer, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	padded := (size + bufferAlign - 1) / bufferAlign * bufferAlign
	return &cpuBuffer{label: label, data: make([]byte, padded)}, nil
}

func (c *cpuContext) guard(waits []Event) error {
	if c.closed {
		return ErrContextClosed
	}
	for _, ev := range waits {
		if ev == nil {
			continue
		}
		if err := ev.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func toCPU(b Buffer) (*cpuBuffer, error) {
	cb, ok := b.(*cpuBuffer)
	if !ok || cb == nil {
		return nil, fmt.Errorf("%w: buffer does not belong to the cpu backend", ErrNilBuffer)
	}
	if cb.closed {
		return nil, fmt.Errorf("%w: buffer %q is closed", ErrNilBuffer, cb.label)
	}
	return cb, nil
}

func (c *cpuContext) Upload(dst Buffer, offset uint64, data []byte, waits []Event) (Event, error) {
	queued := time.Now()
	if err := c.guard(waits); err != nil {
		return nil, err
	}
	db, err := toCPU(dst)
	if err != nil {
		return nil, err
	}
	if offset+uint64(len(data)) > db.Size() {
		return nil, fmt.Errorf("%w: upload [%d,%d) into %q of %d bytes",
			ErrBufferRange, offset, offset+uint64(len(data)), db.label, db.Size())
	}
	started := time.Now()
	copy(db.data[offset:], data)
	return &cpuEvent{timing: EventTiming{
		Queued: queued, Submitted: queued, Started: started, Ended: time.Now(),
	}}, nil
}

func (c *cpuContext) Copy(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64, waits []Event) (Event, error) {
	queued := time.Now()
	if err := c.guard(waits); err != nil {
		return nil, err
	}
	sb, err := toCPU(src)
	if err != nil {
		return nil, err
	}
	db, err := toCPU(dst)
	if err != nil {
		return nil, err
	}
	if srcOffset+size > sb.Size() {
		return nil, fmt.Errorf("%w: copy source [%d,%d) from %q of %d bytes",
			ErrBufferRange, srcOffset, srcOffset+size, sb.label, sb.Size())
	}
	if dstOffset+size > db.Size() {
		return nil, fmt.Errorf("%w: copy target [%d,%d) into %q of %d bytes",
			ErrBufferRange, dstOffset, dstOffset+size, db.label, db.Size())
	}
	started := time.Now()
	copy(db.data[dstOffset:dstOffset+size], sb.data[srcOffset:srcOffset+size])
	return &cpuEvent{timing: EventTiming{
		Queued: queued, Submitted: queued, Started: started, Ended: time.Now(),
	}}, nil
}

func (c *cpuContext) Download(src Buffer, offset uint64, dst []byte, waits []Event) (Event, error) {
	queued := time.Now()
	if err := c.guard(waits); err != nil {
		return nil, err
	}
	sb, err := toCPU(src)
	if err != nil {
		return nil, err
	}
	if offset+uint64(len(dst)) > sb.Size() {
		return nil, fmt.Errorf("%w: download [%d,%d) from %q of %d bytes",
			ErrBufferRange, offset, offset+uint64(len(dst)), sb.label, sb.Size())
	}
	started := time.Now()
	copy(dst, sb.data[offset:])
	return &cpuEvent{timing: EventTiming{
		Queued: queued, Submitted: queued, Started: started, Ended: time.Now(),
	}}, nil
}

func (c *cpuContext) BuildPlan(spec PlanSpec) (Plan, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	if c.plannerDown {
		return nil, ErrPlannerDown
	}
	if err := checkParamLayouts(); err != nil {
		return nil, err
	}
	if err := validatePlanSpec(spec); err != nil {
		return nil, err
	}
	for _, b := range []Buffer{spec.Input, spec.Output, spec.PreParams, spec.PostParams} {
		if b == nil {
			continue
		}
		if _, err := toCPU(b); err != nil {
			return nil, fmt.Errorf("plan %q: %w", spec.Label, err)
		}
	}
	fft, err := c.plan(spec.Length)
	if err != nil {
		return nil, err
	}
	return &cpuPlan{spec: spec, fft: fft}, nil
}

func (c *cpuContext) plan(n int) (*algofft.Plan[complex64], error) {
	if p, ok := c.plans[n]; ok {
		return p, nil
	}
	p, err := algofft.NewPlanT[complex64](n)
	if err != nil {
		return nil, fmt.Errorf("rake/gpu: plan length %d: %w", n, err)
	}
	c.plans[n] = p
	return p, nil
}

func (c *cpuContext) TeardownPlanner() error {
	if c.closed {
		return ErrContextClosed
	}
	c.plans = nil
	c.plannerDown = true
	return nil
}

func (c *cpuContext) Close() error {
	c.plans = nil
	c.plannerDown = true
	c.closed = true
	return nil
}

// cpuPlan executes one batched transform per enqueue, window by
// window, with the pre-callback applied at load and the post-callback
// at store, like the fused device passes.
type cpuPlan struct {
	spec   PlanSpec
	fft    *algofft.Plan[complex64]
	closed bool
}

func (p *cpuPlan) Length() int { return p.spec.Length }
func (p *cpuPlan) Batch() int  { return p.spec.Batch }

func (p *cpuPlan) Close() error {
	p.closed = true
	return nil
}

func (p *cpuPlan) Enqueue(in, out Buffer, waits []Event) (Event, error) {
	queued := time.Now()
	if p.closed {
		return nil, fmt.Errorf("%w: plan %q is closed", ErrPlanBinding, p.spec.Label)
	}
	for _, ev := range waits {
		if ev == nil {
			continue
		}
		if err := ev.Wait(); err != nil {
			return nil, err
		}
	}
	if in != p.spec.Input || out != p.spec.Output {
		return nil, fmt.Errorf("%w: plan %q was baked against different buffers",
			ErrPlanBinding, p.spec.Label)
	}
	started := time.Now()
	if err := p.run(); err != nil {
		return nil, err
	}
	return &cpuEvent{timing: EventTiming{
		Queued: queued, Submitted: queued, Started: started, Ended: time.Now(),
	}}, nil
}

func (p *cpuPlan) run() error {
	n := p.spec.Length
	src := make([]complex64, n)
	dst := make([]complex64, n)
	out, err := toCPU(p.spec.Output)
	if err != nil {
		return err
	}
	for w := 0; w < p.spec.Batch; w++ {
		if err := p.loadWindow(w, src); err != nil {
			return err
		}
		if p.spec.Direction == Inverse {
			err = p.fft.Inverse(dst, src)
		} else {
			err = p.fft.Forward(dst, src)
		}
		if err != nil {
			return fmt.Errorf("rake/gpu: plan %q window %d: %w", p.spec.Label, w, err)
		}
		if err := p.storeWindow(w, dst, out); err != nil {
			return err
		}
	}
	return nil
}

func (p *cpuPlan) loadWindow(w int, dst []complex64) error {
	n := p.spec.Length
	in, err := toCPU(p.spec.Input)
	if err != nil {
		return err
	}
	switch p.spec.Pre {
	case PreConvert:
		params, err := p.convertParams()
		if err != nil {
			return err
		}
		base := w * n * 4
		for i := 0; i < n; i++ {
			v := int32(binary.LittleEndian.Uint32(in.data[base+i*4:]))
			dst[i] = complex(float32(v)*params.Scale, 0)
		}
	case PreConvertRotate:
		params, err := p.convertParams()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			v := int32(binary.LittleEndian.Uint32(in.data[((i+w)%n)*4:]))
			dst[i] = complex(float32(v)*params.Scale, 0)
		}
	case PreMultiply:
		ud, err := toCPU(p.spec.PreParams)
		if err != nil {
			return err
		}
		hdr, err := decodeMultiplyParams(ud.data)
		if err != nil {
			return err
		}
		nn := int(hdr.SignalLen)
		shifts := int(hdr.NumShifts)
		signals := int(hdr.NumSignals)
		if nn == 0 || shifts == 0 {
			return fmt.Errorf("%w: multiply header has zero dimensions", ErrMissingParams)
		}
		refBytes := shifts * nn * 8
		need := MultiplyParamsSize + refBytes + signals*nn*8
		if len(ud.data) < need {
			return fmt.Errorf("%w: multiply scratch has %d bytes, needs %d",
				ErrBufferTooSmall, len(ud.data), need)
		}
		shift := w % shifts
		sig := w / shifts
		for i := 0; i < n; i++ {
			r := readComplex(ud.data, MultiplyParamsSize+(shift*nn+i)*8)
			q := readComplex(ud.data, MultiplyParamsSize+refBytes+(sig*nn+i)*8)
			dst[i] = r * q
		}
	default:
		base := w * n * 8
		for i := 0; i < n; i++ {
			dst[i] = readComplex(in.data, base+i*8)
		}
	}
	return nil
}

func (p *cpuPlan) convertParams() (ConvertParams, error) {
	ud, err := toCPU(p.spec.PreParams)
	if err != nil {
		return ConvertParams{}, err
	}
	return decodeConvertParams(ud.data)
}

func (p *cpuPlan) storeWindow(w int, vals []complex64, out *cpuBuffer) error {
	n := p.spec.Length
	base := w * n * 8
	switch p.spec.Post {
	case PostConjugate:
		for i, v := range vals {
			writeComplex(out.data, base+i*8, complex(real(v), -imag(v)))
		}
	case PostPeaks:
		ud, err := toCPU(p.spec.PostParams)
		if err != nil {
			return err
		}
		hdr, err := decodePeaksParams(ud.data)
		if err != nil {
			return err
		}
		windows := int(hdr.NumSignals) * int(hdr.NumShifts)
		points := int(hdr.Points)
		need := PeaksParamsSize + windows*points*4
		if len(ud.data) < need {
			return fmt.Errorf("%w: peaks scratch has %d bytes, needs %d",
				ErrBufferTooSmall, len(ud.data), need)
		}
		slotBase := PeaksParamsSize + w*points*4
		for i, v := range vals {
			writeComplex(out.data, base+i*8, v)
			if w >= windows {
				continue
			}
			mag := float32(math.Hypot(float64(real(v)), float64(imag(v))))
			if p.spec.Policy == PeakRunningMax {
				if uint32(i) < hdr.SearchRange {
					cur := math.Float32frombits(binary.LittleEndian.Uint32(ud.data[slotBase:]))
					if mag > cur {
						binary.LittleEndian.PutUint32(ud.data[slotBase:], math.Float32bits(mag))
					}
				}
			} else if i < points {
				binary.LittleEndian.PutUint32(ud.data[slotBase+i*4:], math.Float32bits(mag))
			}
		}
	default:
		for i, v := range vals {
			writeComplex(out.data, base+i*8, v)
		}
	}
	return nil
}

func readComplex(b []byte, off int) complex64 {
	re := math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
	im := math.Float32frombits(binary.LittleEndian.Uint32(b[off+4:]))
	return complex(re, im)
}

func writeComplex(b []byte, off int, v complex64) {
	binary.LittleEndian.PutUint32(b[off:], math.Float32bits(real(v)))
	binary.LittleEndian.PutUint32(b[off+4:], math.Float32bits(imag(v)))
}
