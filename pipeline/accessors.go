package pipeline

import (
	"fmt"

	"github.com/openfluke/rake/gpu"
)

// The accessors below read device regions back to the host on demand,
// independent of the in-stage readbacks. Each validates the lifecycle
// first and then trusts the actual allocated size over the computed
// one: a larger region is read in full (the tail is whatever the
// device holds there, usually zero padding), a smaller one is an
// error.

// ReferenceSpectra downloads the conjugated reference spectra, one
// window of SignalLen bins per cyclic shift.
func (p *Pipeline) ReferenceSpectra() ([]complex64, error) {
	if err := p.requireInitialized(); err != nil {
		return nil, err
	}
	expected := uint64(p.geom.NumShifts) * uint64(p.geom.SignalLen) * 8
	raw, err := p.downloadActual(p.bufs.referenceFreq, 0, expected, "reference spectra")
	if err != nil {
		return nil, err
	}
	return complex64sFromBytes(raw), nil
}

// InputSpectra downloads the input spectra, one window per signal.
func (p *Pipeline) InputSpectra() ([]complex64, error) {
	if err := p.requireInitialized(); err != nil {
		return nil, err
	}
	expected := uint64(p.geom.NumSignals) * uint64(p.geom.SignalLen) * 8
	raw, err := p.downloadActual(p.bufs.inputFreq, 0, expected, "input spectra")
	if err != nil {
		return nil, err
	}
	return complex64sFromBytes(raw), nil
}

// CorrelationSamples downloads the time-domain correlation windows the
// inverse transform stored, one window per (signal, shift) pair.
func (p *Pipeline) CorrelationSamples() ([]complex64, error) {
	if err := p.requireInitialized(); err != nil {
		return nil, err
	}
	expected := uint64(p.geom.Windows()) * uint64(p.geom.SignalLen) * 8
	raw, err := p.downloadActual(p.bufs.correlationTime, 0, expected, "correlation samples")
	if err != nil {
		return nil, err
	}
	return complex64sFromBytes(raw), nil
}

// Peaks re-reads the extracted peak magnitudes from the device,
// skipping the parameter header at the front of the scratch region.
func (p *Pipeline) Peaks() ([]float32, error) {
	if err := p.requireInitialized(); err != nil {
		return nil, err
	}
	expected := uint64(p.geom.Windows()) * uint64(p.geom.PointsPerWindow) * 4
	raw, err := p.downloadActual(p.bufs.peaksScratch, gpu.PeaksParamsSize, expected, "peaks")
	if err != nil {
		return nil, err
	}
	return float32sFromBytes(raw), nil
}

// downloadActual blocks on a full read of the region starting at
// offset, sized by the buffer's actual allocation rather than the
// expected byte count.
func (p *Pipeline) downloadActual(buf gpu.Buffer, offset, expected uint64, label string) ([]byte, error) {
	if buf == nil {
		return nil, gpu.ErrNilBuffer
	}
	avail := buf.Size() - offset
	if avail < expected {
		return nil, fmt.Errorf("%w: %s region holds %d bytes, expected %d",
			gpu.ErrBufferTooSmall, label, avail, expected)
	}
	if avail > expected {
		p.log.Warn("device region larger than expected; reading the actual size",
			"region", label, "expected", expected, "actual", avail)
	}
	raw := make([]byte, avail)
	ev, err := p.ctx.Download(buf, offset, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", label, err)
	}
	if err := ev.Wait(); err != nil {
		return nil, fmt.Errorf("download %s: %w", label, err)
	}
	return raw, nil
}
