package pipeline

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/openfluke/rake/gpu"
)

// scaleTolerance bounds how far a stage-passed scale factor may drift
// from the baked one before it is worth a warning. Drift is never
// fatal; the value baked into the conversion params is what the device
// uses either way.
const scaleTolerance = 1e-6

// RunReferenceStage uploads the raw reference block and runs the
// forward transform that fans it out into the conjugated spectra of
// every cyclic shift. The transform is chained on the upload event so
// the host never blocks between the two; both operations are profiled
// once enqueued.
//
// n and numShifts must match the initialized geometry. Re-running a
// completed stage is a no-op that keeps the recorded results.
func (p *Pipeline) RunReferenceStage(ref []int32, n, numShifts int, scale float32) error {
	if err := p.requireInitialized(); err != nil {
		return err
	}
	if p.referenceDone {
		p.log.Info("reference stage already completed; keeping recorded results")
		return nil
	}
	if n <= 0 || numShifts <= 0 {
		return fmt.Errorf("%w: n=%d, shifts=%d", ErrInvalidGeometry, n, numShifts)
	}
	if n != p.geom.SignalLen || numShifts != p.geom.NumShifts {
		return fmt.Errorf("%w: reference stage got n=%d shifts=%d, initialized with n=%d shifts=%d",
			ErrGeometryMismatch, n, numShifts, p.geom.SignalLen, p.geom.NumShifts)
	}
	if len(ref) != n {
		return fmt.Errorf("%w: reference block has %d samples, geometry needs %d",
			ErrGeometryMismatch, len(ref), n)
	}
	p.warnScaleDrift(scale, "reference")
	if err := checkSized(p.log, p.bufs.referenceRaw, uint64(n)*4); err != nil {
		return err
	}
	if err := checkSized(p.log, p.bufs.referenceFreq, uint64(numShifts)*uint64(n)*8); err != nil {
		return err
	}

	upload, err := p.ctx.Upload(p.bufs.referenceRaw, 0, int32Bytes(ref), nil)
	if err != nil {
		return fmt.Errorf("reference upload: %w", err)
	}
	transform, err := p.referencePlan.Enqueue(p.bufs.referenceRaw, p.bufs.referenceFreq, []gpu.Event{upload})
	if err != nil {
		return fmt.Errorf("reference transform: %w", err)
	}

	uploadT, err := profileEvent(p.log, upload, "reference upload")
	if err != nil {
		return err
	}
	transformT, err := profileEvent(p.log, transform, "reference transform")
	if err != nil {
		return err
	}
	p.timings.ReferenceUpload = uploadT
	p.timings.ReferenceTransform = transformT
	p.referenceDone = true
	p.log.Info("reference stage complete", "windows", numShifts,
		"upload_ms", uploadT.ExecuteMS, "transform_ms", transformT.ExecuteMS)
	return nil
}

// RunInputStage uploads the concatenated raw input blocks and runs the
// forward transform producing one spectrum per signal. No rotation and
// no conjugation: the correlation spectrum picks up its conjugate from
// the reference side.
func (p *Pipeline) RunInputStage(inputs []int32, n, numSignals int, scale float32) error {
	if err := p.requireInitialized(); err != nil {
		return err
	}
	if p.inputDone {
		p.log.Info("input stage already completed; keeping recorded results")
		return nil
	}
	if n <= 0 || numSignals <= 0 {
		return fmt.Errorf("%w: n=%d, signals=%d", ErrInvalidGeometry, n, numSignals)
	}
	if n != p.geom.SignalLen || numSignals != p.geom.NumSignals {
		return fmt.Errorf("%w: input stage got n=%d signals=%d, initialized with n=%d signals=%d",
			ErrGeometryMismatch, n, numSignals, p.geom.SignalLen, p.geom.NumSignals)
	}
	if len(inputs) != n*numSignals {
		return fmt.Errorf("%w: input block has %d samples, geometry needs %d",
			ErrGeometryMismatch, len(inputs), n*numSignals)
	}
	p.warnScaleDrift(scale, "input")
	if err := checkSized(p.log, p.bufs.inputRaw, uint64(numSignals)*uint64(n)*4); err != nil {
		return err
	}
	if err := checkSized(p.log, p.bufs.inputFreq, uint64(numSignals)*uint64(n)*8); err != nil {
		return err
	}

	upload, err := p.ctx.Upload(p.bufs.inputRaw, 0, int32Bytes(inputs), nil)
	if err != nil {
		return fmt.Errorf("input upload: %w", err)
	}
	transform, err := p.inputPlan.Enqueue(p.bufs.inputRaw, p.bufs.inputFreq, []gpu.Event{upload})
	if err != nil {
		return fmt.Errorf("input transform: %w", err)
	}

	uploadT, err := profileEvent(p.log, upload, "input upload")
	if err != nil {
		return err
	}
	transformT, err := profileEvent(p.log, transform, "input transform")
	if err != nil {
		return err
	}
	p.timings.InputUpload = uploadT
	p.timings.InputTransform = transformT
	p.inputDone = true
	p.log.Info("input stage complete", "signals", numSignals,
		"upload_ms", uploadT.ExecuteMS, "transform_ms", transformT.ExecuteMS)
	return nil
}

// RunCorrelationStage assembles the multiply scratch region from the
// two spectrum tables already on the device, runs the inverse
// transform whose fused callbacks multiply the spectra on load and
// extract peak magnitudes on store, and reads the peaks back. The
// whole stage is chained device-side, copy to copy to transform to
// read, with the host blocking only in the profiling calls.
//
// The returned slice holds numSignals*numShifts*points magnitudes laid
// out [signal][shift][point]. Re-running a completed stage returns the
// recorded peaks without touching the device.
func (p *Pipeline) RunCorrelationStage() ([]float32, error) {
	if err := p.requireInitialized(); err != nil {
		return nil, err
	}
	if p.correlationDone {
		p.log.Info("correlation stage already completed; returning recorded peaks")
		return p.peaks, nil
	}

	n := uint64(p.geom.SignalLen)
	refBytes := uint64(p.geom.NumShifts) * n * 8
	inputBytes := uint64(p.geom.NumSignals) * n * 8
	windows := p.geom.Windows()
	points := p.geom.PointsPerWindow

	if err := checkSized(p.log, p.bufs.multiplyScratch, gpu.MultiplyParamsSize+refBytes+inputBytes); err != nil {
		return nil, err
	}
	if err := checkSized(p.log, p.bufs.peaksScratch, gpu.PeaksParamsSize+uint64(windows)*uint64(points)*4); err != nil {
		return nil, err
	}
	if err := checkSized(p.log, p.bufs.correlationTime, uint64(windows)*n*8); err != nil {
		return nil, err
	}

	copyRef, err := p.ctx.Copy(p.bufs.referenceFreq, 0,
		p.bufs.multiplyScratch, gpu.MultiplyParamsSize, refBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("copy reference spectra: %w", err)
	}
	copyInput, err := p.ctx.Copy(p.bufs.inputFreq, 0,
		p.bufs.multiplyScratch, gpu.MultiplyParamsSize+refBytes, inputBytes, []gpu.Event{copyRef})
	if err != nil {
		return nil, fmt.Errorf("copy input spectra: %w", err)
	}
	transform, err := p.correlationPlan.Enqueue(p.bufs.correlationFreq, p.bufs.correlationTime, []gpu.Event{copyInput})
	if err != nil {
		return nil, fmt.Errorf("correlation transform: %w", err)
	}
	raw := make([]byte, windows*points*4)
	read, err := p.ctx.Download(p.bufs.peaksScratch, gpu.PeaksParamsSize, raw, []gpu.Event{transform})
	if err != nil {
		return nil, fmt.Errorf("read peaks: %w", err)
	}

	// The first copy is a pure dependency of the second; only the
	// chained copy lands in the stage timings.
	copyT, err := profileEvent(p.log, copyInput, "correlation scratch copy")
	if err != nil {
		return nil, err
	}
	transformT, err := profileEvent(p.log, transform, "correlation transform")
	if err != nil {
		return nil, err
	}
	readT, err := profileEvent(p.log, read, "peaks read")
	if err != nil {
		return nil, err
	}

	p.timings.CorrelationCopy = copyT
	p.timings.CorrelationIFFT = transformT
	p.timings.PeaksRead = readT
	p.peaks = float32sFromBytes(raw)
	p.correlationDone = true
	p.log.Info("correlation stage complete", "windows", windows, "peaks", len(p.peaks),
		"copy_ms", copyT.ExecuteMS, "transform_ms", transformT.ExecuteMS, "read_ms", readT.ExecuteMS)
	return p.peaks, nil
}

func (p *Pipeline) warnScaleDrift(scale float32, stage string) {
	if math.Abs(float64(scale)-float64(p.geom.ScaleFactor)) > scaleTolerance {
		p.log.Warn("scale factor differs from the baked conversion params; the baked value stays in effect",
			"stage", stage, "passed", scale, "baked", p.geom.ScaleFactor)
	}
}

func int32Bytes(v []int32) []byte {
	b := make([]byte, len(v)*4)
	for i, s := range v {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(s))
	}
	return b
}

func float32sFromBytes(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func complex64sFromBytes(b []byte) []complex64 {
	out := make([]complex64, len(b)/8)
	for i := range out {
		re := math.Float32frombits(binary.LittleEndian.Uint32(b[i*8:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(b[i*8+4:]))
		out[i] = complex(re, im)
	}
	return out
}
