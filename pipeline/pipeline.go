// Package pipeline orchestrates batched cross-correlation on a gpu
// context: a reference signal is fanned out into the spectra of its
// cyclic shifts, a batch of input signals is transformed alongside it,
// and one inverse transform with fused multiply and peak-extraction
// callbacks produces the peak magnitudes per correlation window.
//
// One Pipeline instance owns nine device buffers and three baked
// transform plans. The instance moves through a strict lifecycle,
// Uninitialized to Initialized to CleanedUp, and CleanedUp is
// terminal. All device work for an instance is issued from a single
// goroutine; stages chain their operations through events and block
// the host only to profile.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/openfluke/rake/gpu"
)

var (
	// ErrNotInitialized is returned by stages and accessors before
	// Initialize has succeeded.
	ErrNotInitialized = errors.New("rake/pipeline: pipeline not initialized")

	// ErrCleanedUp is returned once Cleanup has run. The state is
	// terminal; a fresh instance is required.
	ErrCleanedUp = errors.New("rake/pipeline: pipeline cleaned up")

	// ErrInvalidGeometry is returned for non-positive geometry scalars.
	ErrInvalidGeometry = errors.New("rake/pipeline: invalid geometry")

	// ErrGeometryMismatch is returned when stage arguments disagree with
	// the geometry the instance was initialized with. Geometry is baked
	// into buffers and plans, so a mismatch is always fatal.
	ErrGeometryMismatch = errors.New("rake/pipeline: geometry mismatch")
)

// State is the lifecycle position of a Pipeline.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateCleanedUp
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateCleanedUp:
		return "cleaned-up"
	default:
		return "uninitialized"
	}
}

// Geometry fixes the shape of one pipeline instance: transform length,
// window counts, peak slots per window, the integer-to-float
// conversion scale, and the peak policy. It is set once at Initialize;
// stages re-check their arguments against it.
type Geometry struct {
	SignalLen       int
	NumShifts       int
	NumSignals      int
	PointsPerWindow int
	ScaleFactor     float32
	PeakPolicy      gpu.PeakPolicy
}

// Windows returns the correlation window count, one window per
// (signal, shift) pair.
func (g Geometry) Windows() int { return g.NumSignals * g.NumShifts }

func (g Geometry) validate() error {
	var errs []error
	if g.SignalLen <= 0 {
		errs = append(errs, fmt.Errorf("signal length %d", g.SignalLen))
	}
	if g.NumShifts <= 0 {
		errs = append(errs, fmt.Errorf("shift count %d", g.NumShifts))
	}
	if g.NumSignals <= 0 {
		errs = append(errs, fmt.Errorf("signal count %d", g.NumSignals))
	}
	if g.PointsPerWindow <= 0 {
		errs = append(errs, fmt.Errorf("points per window %d", g.PointsPerWindow))
	}
	if g.ScaleFactor <= 0 {
		errs = append(errs, fmt.Errorf("scale factor %g", g.ScaleFactor))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidGeometry, errors.Join(errs...))
	}
	return nil
}

// Pipeline runs the three correlation stages against one device
// context. The context is borrowed, not owned: the caller opens it,
// hands it in, and closes it after Cleanup. Not safe for concurrent
// use.
type Pipeline struct {
	ctx gpu.Context
	log *slog.Logger

	state State
	geom  Geometry

	bufs bufferSet

	referencePlan   gpu.Plan
	inputPlan       gpu.Plan
	correlationPlan gpu.Plan

	referenceDone   bool
	inputDone       bool
	correlationDone bool

	peaks   []float32
	timings StageTimings
}

// New wraps a device context in an uninitialized pipeline. A nil
// logger falls back to slog.Default().
func New(ctx gpu.Context, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{ctx: ctx, log: log}
}

// State reports the current lifecycle position.
func (p *Pipeline) State() State { return p.state }

// Geometry returns the shape the instance was initialized with. Zero
// before Initialize.
func (p *Pipeline) Geometry() Geometry { return p.geom }

// Timings returns the operation timings recorded so far. Stages that
// have not run leave their entries zero.
func (p *Pipeline) Timings() StageTimings { return p.timings }

func (p *Pipeline) requireInitialized() error {
	switch p.state {
	case StateInitialized:
		return nil
	case StateCleanedUp:
		return ErrCleanedUp
	default:
		return ErrNotInitialized
	}
}

// Initialize allocates the device buffer set, writes the callback
// parameter regions, and bakes the three transform plans. Calling it
// on an initialized instance warns and keeps the existing device
// state; reconfiguration requires a fresh instance. Any failure
// releases everything allocated so far and leaves the instance
// uninitialized for a corrected retry.
func (p *Pipeline) Initialize(g Geometry) error {
	switch p.state {
	case StateInitialized:
		p.log.Warn("pipeline already initialized; keeping existing device state")
		return nil
	case StateCleanedUp:
		return ErrCleanedUp
	}
	if err := g.validate(); err != nil {
		return err
	}

	info := p.ctx.Info()
	p.log.Info("initializing correlation pipeline",
		"n", g.SignalLen, "shifts", g.NumShifts, "signals", g.NumSignals,
		"points", g.PointsPerWindow, "windows", g.Windows(),
		"policy", g.PeakPolicy.String(), "backend", info.Backend, "device", info.Name)

	if err := p.bufs.allocate(p.ctx, p.log, g); err != nil {
		return fmt.Errorf("allocate buffer set: %w", err)
	}
	if err := p.writeParams(g); err != nil {
		errs := []error{err}
		if relErr := p.bufs.release(p.log); relErr != nil {
			errs = append(errs, relErr)
		}
		return errors.Join(errs...)
	}
	if err := p.buildPlans(g); err != nil {
		errs := []error{err}
		if relErr := p.bufs.release(p.log); relErr != nil {
			errs = append(errs, relErr)
		}
		return errors.Join(errs...)
	}

	p.geom = g
	p.state = StateInitialized
	p.log.Info("pipeline initialized")
	return nil
}

// writeParams fills the callback parameter regions: the shared
// conversion params and the scratch headers the multiply and peaks
// callbacks decode on every window. Plans read these at enqueue, not
// at bake, but writing them here keeps the first enqueue free of
// setup work.
func (p *Pipeline) writeParams(g Geometry) error {
	writes := []struct {
		buf   gpu.Buffer
		data  []byte
		label string
	}{
		{p.bufs.preParams, gpu.ConvertParams{Scale: g.ScaleFactor}.Bytes(), "convert params"},
		{p.bufs.multiplyScratch, gpu.MultiplyParams{
			NumSignals: uint32(g.NumSignals),
			NumShifts:  uint32(g.NumShifts),
			SignalLen:  uint32(g.SignalLen),
		}.Bytes(), "multiply header"},
		{p.bufs.peaksScratch, gpu.PeaksParams{
			NumSignals:  uint32(g.NumSignals),
			NumShifts:   uint32(g.NumShifts),
			SignalLen:   uint32(g.SignalLen),
			Points:      uint32(g.PointsPerWindow),
			SearchRange: uint32(g.SignalLen / 2),
		}.Bytes(), "peaks header"},
	}
	for _, w := range writes {
		ev, err := p.ctx.Upload(w.buf, 0, w.data, nil)
		if err != nil {
			return fmt.Errorf("write %s: %w", w.label, err)
		}
		if err := ev.Wait(); err != nil {
			return fmt.Errorf("write %s: %w", w.label, err)
		}
	}
	return nil
}

// buildPlans bakes the three transform plans against the buffer set.
// The reference plan rotates on load and conjugates on store, so the
// correlation plan can take a plain product of the two spectrum
// tables. The correlation plan's formal input buffer is required by
// the plan contract but never read; its pre-callback pulls both
// operands from the multiply scratch region instead.
func (p *Pipeline) buildPlans(g Geometry) error {
	specs := []struct {
		dst  *gpu.Plan
		spec gpu.PlanSpec
	}{
		{&p.referencePlan, gpu.PlanSpec{
			Label:     "reference-forward",
			Length:    g.SignalLen,
			Batch:     g.NumShifts,
			Direction: gpu.Forward,
			Pre:       gpu.PreConvertRotate,
			Post:      gpu.PostConjugate,
			PreParams: p.bufs.preParams,
			Input:     p.bufs.referenceRaw,
			Output:    p.bufs.referenceFreq,
		}},
		{&p.inputPlan, gpu.PlanSpec{
			Label:     "input-forward",
			Length:    g.SignalLen,
			Batch:     g.NumSignals,
			Direction: gpu.Forward,
			Pre:       gpu.PreConvert,
			PreParams: p.bufs.preParams,
			Input:     p.bufs.inputRaw,
			Output:    p.bufs.inputFreq,
		}},
		{&p.correlationPlan, gpu.PlanSpec{
			Label:      "correlation-inverse",
			Length:     g.SignalLen,
			Batch:      g.Windows(),
			Direction:  gpu.Inverse,
			Pre:        gpu.PreMultiply,
			Post:       gpu.PostPeaks,
			PreParams:  p.bufs.multiplyScratch,
			PostParams: p.bufs.peaksScratch,
			Policy:     g.PeakPolicy,
			Input:      p.bufs.correlationFreq,
			Output:     p.bufs.correlationTime,
		}},
	}
	for _, s := range specs {
		plan, err := p.ctx.BuildPlan(s.spec)
		if err != nil {
			errs := []error{fmt.Errorf("bake plan %q: %w", s.spec.Label, err)}
			if closeErr := p.closePlans(); closeErr != nil {
				errs = append(errs, closeErr)
			}
			return errors.Join(errs...)
		}
		*s.dst = plan
		p.log.Debug("baked transform plan", "plan", s.spec.Label,
			"n", s.spec.Length, "batch", s.spec.Batch, "direction", s.spec.Direction.String())
	}
	return nil
}

func (p *Pipeline) closePlans() error {
	var errs []error
	for _, pl := range []gpu.Plan{p.correlationPlan, p.inputPlan, p.referencePlan} {
		if pl == nil {
			continue
		}
		if err := pl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.referencePlan, p.inputPlan, p.correlationPlan = nil, nil, nil
	return errors.Join(errs...)
}

// Cleanup releases everything the instance owns, in dependency order:
// plans first (they hold buffer references), then the backend planner
// state, then the buffers in reverse allocation order. Errors are
// collected, not short-circuited, so one stuck resource cannot leak
// the rest. Safe to call at any point in the lifecycle; repeat calls
// are no-ops.
func (p *Pipeline) Cleanup() error {
	switch p.state {
	case StateUninitialized:
		p.log.Info("cleanup before initialize; nothing to release")
		return nil
	case StateCleanedUp:
		p.log.Info("cleanup already performed")
		return nil
	}

	var errs []error
	if err := p.closePlans(); err != nil {
		errs = append(errs, fmt.Errorf("close plans: %w", err))
	}
	if err := p.ctx.TeardownPlanner(); err != nil {
		errs = append(errs, fmt.Errorf("teardown planner: %w", err))
	}
	if err := p.bufs.release(p.log); err != nil {
		errs = append(errs, fmt.Errorf("release buffers: %w", err))
	}
	p.peaks = nil
	p.state = StateCleanedUp
	p.log.Info("pipeline cleaned up")
	return errors.Join(errs...)
}
