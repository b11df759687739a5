package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/openfluke/rake/gpu"
)

// bufferSet is the nine device buffers one pipeline instance owns
// exclusively. Allocation follows the fixed order of the table in
// allocate; release walks the allocated list in reverse so dependents
// always go before what they were copied from.
//
// correlationFreq deserves a note: it is the formal input of the
// inverse plan and is required to exist at its full size, but the
// multiply pre-callback produces the correlation spectrum on the fly
// from the scratch region, so nothing ever writes it.
type bufferSet struct {
	referenceRaw    gpu.Buffer
	referenceFreq   gpu.Buffer
	inputRaw        gpu.Buffer
	inputFreq       gpu.Buffer
	correlationFreq gpu.Buffer
	correlationTime gpu.Buffer
	multiplyScratch gpu.Buffer
	peaksScratch    gpu.Buffer
	preParams       gpu.Buffer

	allocated []gpu.Buffer
}

func (s *bufferSet) allocate(ctx gpu.Context, log *slog.Logger, g Geometry) error {
	n := uint64(g.SignalLen)
	shifts := uint64(g.NumShifts)
	signals := uint64(g.NumSignals)
	windows := uint64(g.Windows())
	points := uint64(g.PointsPerWindow)

	refFreqBytes := shifts * n * 8
	inputFreqBytes := signals * n * 8

	allocs := []struct {
		dst  *gpu.Buffer
		name string
		size uint64
	}{
		{&s.referenceRaw, "referenceRaw", n * 4},
		{&s.referenceFreq, "referenceFreq", refFreqBytes},
		{&s.inputRaw, "inputRaw", signals * n * 4},
		{&s.inputFreq, "inputFreq", inputFreqBytes},
		{&s.correlationFreq, "correlationFreq", windows * n * 8},
		{&s.correlationTime, "correlationTime", windows * n * 8},
		{&s.multiplyScratch, "multiplyScratch", gpu.MultiplyParamsSize + refFreqBytes + inputFreqBytes},
		{&s.peaksScratch, "peaksScratch", gpu.PeaksParamsSize + windows*points*4},
		{&s.preParams, "preParams", gpu.ConvertParamsSize},
	}

	var total uint64
	for _, a := range allocs {
		buf, err := ctx.CreateBuffer(a.name, a.size)
		if err != nil {
			errs := []error{fmt.Errorf("create %s (%d bytes): %w", a.name, a.size, err)}
			if relErr := s.release(log); relErr != nil {
				errs = append(errs, relErr)
			}
			return errors.Join(errs...)
		}
		*a.dst = buf
		s.allocated = append(s.allocated, buf)

		actual := buf.Size()
		if actual < a.size {
			errs := []error{fmt.Errorf("%w: %s allocated %d bytes, need %d",
				gpu.ErrBufferTooSmall, a.name, actual, a.size)}
			if relErr := s.release(log); relErr != nil {
				errs = append(errs, relErr)
			}
			return errors.Join(errs...)
		}
		if actual > a.size {
			log.Warn("buffer allocated larger than requested; the actual size is authoritative",
				"buffer", a.name, "requested", a.size, "actual", actual)
		}
		total += actual
		log.Debug("allocated device buffer", "buffer", a.name, "bytes", actual)
	}
	log.Info("device buffer set allocated", "buffers", len(allocs), "total_bytes", total)
	return nil
}

// release closes every allocated buffer in reverse order and resets
// the set. Close errors are collected so later buffers still get
// their turn.
func (s *bufferSet) release(log *slog.Logger) error {
	var errs []error
	for i := len(s.allocated) - 1; i >= 0; i-- {
		b := s.allocated[i]
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", b.Label(), err))
			continue
		}
		log.Debug("released device buffer", "buffer", b.Label())
	}
	*s = bufferSet{}
	return errors.Join(errs...)
}

// checkSized compares the bytes a stage needs against what a buffer
// actually holds. Smaller is fatal; larger only warns, and the stage
// carries on against the actual size.
func checkSized(log *slog.Logger, buf gpu.Buffer, need uint64) error {
	if buf == nil {
		return gpu.ErrNilBuffer
	}
	actual := buf.Size()
	if actual < need {
		return fmt.Errorf("%w: %q holds %d bytes, stage needs %d",
			gpu.ErrBufferTooSmall, buf.Label(), actual, need)
	}
	if actual > need {
		log.Warn("buffer larger than the stage needs; using the actual size",
			"buffer", buf.Label(), "needed", need, "actual", actual)
	}
	return nil
}
