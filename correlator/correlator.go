// Package correlator is the orchestration facade over the correlation
// pipeline: it owns the device context, enforces step ordering, keeps
// a snapshot of intermediate results, validates them, and optionally
// exports every step as JSON.
package correlator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/openfluke/rake/config"
	"github.com/openfluke/rake/gpu"
	"github.com/openfluke/rake/pipeline"
)

var (
	// ErrStageOrder is returned when a step runs before the steps it
	// depends on: step 2 needs step 1, step 3 needs both.
	ErrStageOrder = errors.New("rake/correlator: steps must run in order")

	// ErrClosed is returned by steps after Close.
	ErrClosed = errors.New("rake/correlator: correlator closed")
)

// Correlator wires the pipeline to its collaborators. One instance
// runs one correlation pass; like the pipeline it drives, it is not
// safe for concurrent use and cannot be reconfigured after New.
type Correlator struct {
	params config.Parameters
	log    *slog.Logger

	ctx       gpu.Context
	pipe      *pipeline.Pipeline
	snapshot  *Snapshot
	validator *Validator
	exporter  *Exporter // nil when export_dir is unset

	step1Done bool
	step2Done bool
	step3Done bool
	closed    bool
}

// New validates the parameters, opens a device context on the
// configured backend, and initializes a pipeline on it. The context is
// owned: Close releases the pipeline and then the context.
func New(params config.Parameters, log *slog.Logger) (*Correlator, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("rake/correlator: %w", err)
	}

	ctx, err := gpu.Open(params.Backend)
	if err != nil {
		return nil, fmt.Errorf("rake/correlator: open backend: %w", err)
	}

	c := &Correlator{
		params:    params,
		log:       log,
		ctx:       ctx,
		pipe:      pipeline.New(ctx, log),
		snapshot:  NewSnapshot(),
		validator: NewValidator(),
	}
	if params.ExportDir != "" {
		exp, err := NewExporter(params.ExportDir)
		if err != nil {
			ctx.Close()
			return nil, fmt.Errorf("rake/correlator: %w", err)
		}
		c.exporter = exp
	}

	if err := c.pipe.Initialize(geometryFromParams(params)); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("rake/correlator: %w", err)
	}
	return c, nil
}

func geometryFromParams(p config.Parameters) pipeline.Geometry {
	policy := gpu.PeakFixedWindow
	if p.PeakPolicy == config.PolicyRunningMax {
		policy = gpu.PeakRunningMax
	}
	return pipeline.Geometry{
		SignalLen:       p.SignalLen,
		NumShifts:       p.NumShifts,
		NumSignals:      p.NumSignals,
		PointsPerWindow: p.PointsPerWindow,
		ScaleFactor:     float32(p.ScaleFactor),
		PeakPolicy:      policy,
	}
}

// Step1 transforms the reference signal into the conjugated spectra of
// its cyclic shifts, snapshots them, validates, and exports. A
// completed step short-circuits to success.
func (c *Correlator) Step1(reference []int32) error {
	if c.closed {
		return ErrClosed
	}
	if c.step1Done {
		c.log.Info("step 1 already completed")
		return nil
	}

	err := c.pipe.RunReferenceStage(reference, c.params.SignalLen, c.params.NumShifts,
		float32(c.params.ScaleFactor))
	if err != nil {
		return fmt.Errorf("step 1: %w", err)
	}

	spectra, err := c.pipe.ReferenceSpectra()
	if err != nil {
		return fmt.Errorf("step 1: %w", err)
	}
	c.snapshot.SaveReferenceSpectra(spectra, c.params.NumShifts, c.params.SignalLen)

	result := c.validator.ValidateStep1(c.snapshot, c.params)
	c.logValidation("step 1", result)
	c.export("step 1", func(e *Exporter) error {
		return e.ExportStep1(c.snapshot, c.params, result)
	})

	c.step1Done = true
	return nil
}

// Step2 transforms the input signal batch into spectra. Requires a
// completed Step1.
func (c *Correlator) Step2(inputs []int32) error {
	if c.closed {
		return ErrClosed
	}
	if !c.step1Done {
		return fmt.Errorf("%w: step 2 needs step 1", ErrStageOrder)
	}
	if c.step2Done {
		c.log.Info("step 2 already completed")
		return nil
	}

	err := c.pipe.RunInputStage(inputs, c.params.SignalLen, c.params.NumSignals,
		float32(c.params.ScaleFactor))
	if err != nil {
		return fmt.Errorf("step 2: %w", err)
	}

	spectra, err := c.pipe.InputSpectra()
	if err != nil {
		return fmt.Errorf("step 2: %w", err)
	}
	c.snapshot.SaveInputSpectra(spectra, c.params.NumSignals, c.params.SignalLen)

	result := c.validator.ValidateStep2(c.snapshot, c.params)
	c.logValidation("step 2", result)
	c.export("step 2", func(e *Exporter) error {
		return e.ExportStep2(c.snapshot, c.params, result)
	})

	c.step2Done = true
	return nil
}

// Step3 runs the correlation stage and snapshots the peak magnitudes.
// Requires completed Step1 and Step2.
func (c *Correlator) Step3() error {
	if c.closed {
		return ErrClosed
	}
	if !c.step1Done || !c.step2Done {
		return fmt.Errorf("%w: step 3 needs steps 1 and 2", ErrStageOrder)
	}
	if c.step3Done {
		c.log.Info("step 3 already completed")
		return nil
	}

	peaks, err := c.pipe.RunCorrelationStage()
	if err != nil {
		return fmt.Errorf("step 3: %w", err)
	}
	c.snapshot.SavePeaks(peaks, c.params.NumSignals, c.params.NumShifts, c.params.PointsPerWindow)

	result := c.validator.ValidateStep3(c.snapshot, c.params)
	c.logValidation("step 3", result)
	c.export("step 3", func(e *Exporter) error {
		return e.ExportStep3(c.snapshot, c.params, result)
	})

	c.step3Done = true
	return nil
}

// Run executes the full pass: raw-signal export, the three steps, and
// the final report.
func (c *Correlator) Run(reference, inputs []int32) error {
	c.export("step 0", func(e *Exporter) error {
		return e.ExportStep0(reference, inputs, c.params)
	})
	if err := c.Step1(reference); err != nil {
		return err
	}
	if err := c.Step2(inputs); err != nil {
		return err
	}
	if err := c.Step3(); err != nil {
		return err
	}
	c.export("final report", func(e *Exporter) error {
		return e.ExportFinalReport(c.snapshot, c.params, c.pipe.Timings())
	})
	return nil
}

// VerifyParity recomputes the reference spectra on the host from the
// raw samples and compares them with what the device produced. Meant
// as an opt-in check; it costs numShifts host transforms.
func (c *Correlator) VerifyParity(reference []int32) ValidationResult {
	return c.validator.ValidateReferenceParity(c.snapshot, c.params, reference)
}

// Snapshot exposes the captured intermediate results.
func (c *Correlator) Snapshot() *Snapshot { return c.snapshot }

// Peaks returns the captured peak magnitudes, nil before Step3.
func (c *Correlator) Peaks() []float32 { return c.snapshot.Peaks() }

// Timings returns the seven operation timings recorded by the
// pipeline stages.
func (c *Correlator) Timings() pipeline.StageTimings { return c.pipe.Timings() }

// Config returns the parameters the instance was built with.
func (c *Correlator) Config() config.Parameters { return c.params }

// Device describes the device the correlator runs on.
func (c *Correlator) Device() gpu.DeviceInfo { return c.ctx.Info() }

// Close cleans the pipeline up and closes the owned context.
// Idempotent.
func (c *Correlator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if err := c.pipe.Cleanup(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ctx.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// logValidation reports a step's validation outcome. Failures are
// logged, never fatal: the data is already on the host and the caller
// decides what a broken run is worth.
func (c *Correlator) logValidation(step string, r ValidationResult) {
	if r.Valid && len(r.Warnings) == 0 {
		c.log.Debug("validation passed", "step", step)
		return
	}
	for _, e := range r.Errors {
		c.log.Error("validation error", "step", step, "detail", e)
	}
	for _, w := range r.Warnings {
		c.log.Warn("validation warning", "step", step, "detail", w)
	}
}

// export runs one export action when an exporter is configured.
// Export failures are logged and swallowed; results on the host beat
// a perfect paper trail.
func (c *Correlator) export(step string, fn func(*Exporter) error) {
	if c.exporter == nil {
		return
	}
	if err := fn(c.exporter); err != nil {
		c.log.Warn("export failed", "step", step, "error", err)
	}
}
