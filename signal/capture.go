package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"
)

var (
	// ErrCaptureNotInitialized is returned when Record runs before Init.
	ErrCaptureNotInitialized = errors.New("signal: capture not initialized")

	// ErrCaptureBusy is returned when Record is called while a recording
	// is already in progress.
	ErrCaptureBusy = errors.New("signal: capture already recording")
)

// CaptureConfig selects the audio source for recorded input signals.
type CaptureConfig struct {
	DeviceIndex   int    // -1 for the default capture device
	SampleRate    uint32 // e.g. 48000
	FramesPerRead uint32 // frames per audio callback
}

// DefaultCaptureConfig returns a mono 48 kHz source on the default
// device.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		DeviceIndex:   -1,
		SampleRate:    48000,
		FramesPerRead: 512,
	}
}

// Capture records signed 32-bit samples from an audio device, sized to
// feed the correlator as raw input blocks. One recording at a time.
type Capture struct {
	config CaptureConfig

	mu        sync.Mutex
	ctx       *malgo.AllocatedContext
	recording bool
}

// NewCapture creates a capture source. Call Init before recording.
func NewCapture(cfg CaptureConfig) *Capture {
	return &Capture{config: cfg}
}

// Init brings up the audio backend.
func (c *Capture) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx != nil {
		return nil
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("signal: init audio context: %w", err)
	}
	c.ctx = ctx
	return nil
}

// Devices lists the available capture devices.
func (c *Capture) Devices() ([]malgo.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil {
		return nil, ErrCaptureNotInitialized
	}
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("signal: enumerate devices: %w", err)
	}
	return infos, nil
}

// Record blocks until n samples were captured (or ctx is cancelled) and
// returns them. Samples arrive as native signed 32-bit PCM, the format
// the pipeline's conversion callback expects.
func (c *Capture) Record(ctx context.Context, n int) ([]int32, error) {
	if n <= 0 {
		return nil, fmt.Errorf("signal: sample count must be positive, got %d", n)
	}

	c.mu.Lock()
	if c.ctx == nil {
		c.mu.Unlock()
		return nil, ErrCaptureNotInitialized
	}
	if c.recording {
		c.mu.Unlock()
		return nil, ErrCaptureBusy
	}
	c.recording = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.recording = false
		c.mu.Unlock()
	}()

	deviceConfig := malgo.DeviceConfig{
		DeviceType:         malgo.Capture,
		SampleRate:         c.config.SampleRate,
		PeriodSizeInFrames: c.config.FramesPerRead,
		Capture: malgo.SubConfig{
			Format:   malgo.FormatS32,
			Channels: 1,
		},
	}
	if c.config.DeviceIndex >= 0 {
		devices, err := c.Devices()
		if err != nil {
			return nil, err
		}
		if c.config.DeviceIndex >= len(devices) {
			return nil, fmt.Errorf("signal: device index %d out of range (have %d devices)",
				c.config.DeviceIndex, len(devices))
		}
		deviceConfig.Capture.DeviceID = devices[c.config.DeviceIndex].ID.Pointer()
	}

	blocks := make(chan []int32, 64)
	done := make(chan struct{})
	onRecvFrames := func(outputSamples, inputSamples []byte, frameCount uint32) {
		if len(inputSamples) == 0 {
			return
		}
		// The device owns inputSamples; copy before handing off.
		samples := append([]int32(nil), bytesToInt32(inputSamples)...)
		select {
		case blocks <- samples:
		case <-done:
		default:
			// Consumer too slow; drop rather than stall the audio thread.
		}
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("signal: init capture device: %w", err)
	}
	defer func() {
		close(done)
		_ = device.Stop()
		device.Uninit()
	}()

	if err := device.Start(); err != nil {
		return nil, fmt.Errorf("signal: start capture device: %w", err)
	}

	out := make([]int32, 0, n)
	for len(out) < n {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("signal: capture interrupted: %w", ctx.Err())
		case block := <-blocks:
			out = append(out, block...)
		}
	}
	return out[:n], nil
}

// Close releases the audio backend.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	if err != nil {
		return fmt.Errorf("signal: uninit audio context: %w", err)
	}
	return nil
}

func bytesToInt32(b []byte) []int32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}
