package gpu

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

func init() {
	Register(&webgpuBackend{})
}

// webgpuBackend opens contexts on WebGPU adapters. Adapter probing
// goes through the native loader, so availability is checked once and
// cached.
type webgpuBackend struct {
	probeOnce sync.Once
	probeOK   bool
}

func (b *webgpuBackend) Name() string { return "webgpu" }

func (b *webgpuBackend) Available() bool {
	b.probeOnce.Do(func() {
		inst := wgpu.CreateInstance(nil)
		if inst == nil {
			return
		}
		defer inst.Release()
		adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
			PowerPreference: wgpu.PowerPreferenceHighPerformance,
		})
		if err != nil || adapter == nil {
			adapter, err = inst.RequestAdapter(nil)
		}
		if err != nil || adapter == nil {
			return
		}
		adapter.Release()
		b.probeOK = true
	})
	return b.probeOK
}

func (b *webgpuBackend) Open() (Context, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("%w: cannot create webgpu instance", ErrBackendUnavailable)
	}
	adapter, err := pickAdapter(inst)
	if err != nil {
		inst.Release()
		return nil, err
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		inst.Release()
		return nil, fmt.Errorf("rake/gpu: request device: %w", err)
	}
	info := adapter.GetInfo()
	return &webgpuContext{
		instance: inst,
		adapter:  adapter,
		device:   device,
		queue:    device.GetQueue(),
		modules:  map[string]*wgpu.ShaderModule{},
		info: DeviceInfo{
			Name:          info.Name,
			Vendor:        info.VendorName,
			DriverVersion: info.DriverDescription,
			APIVersion:    info.BackendType.String(),
			Backend:       "webgpu",
		},
	}, nil
}

// pickAdapter prefers a discrete NVIDIA adapter when one is listed,
// then walks down power preferences.
func pickAdapter(inst *wgpu.Instance) (*wgpu.Adapter, error) {
	for _, a := range inst.EnumerateAdapters(nil) {
		info := a.GetInfo()
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			return a, nil
		}
	}
	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err == nil && adapter != nil {
		return adapter, nil
	}
	adapter, err = inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceLowPower,
	})
	if err == nil && adapter != nil {
		return adapter, nil
	}
	adapter, err = inst.RequestAdapter(nil)
	if err != nil || adapter == nil {
		return nil, fmt.Errorf("%w: no webgpu adapter: %v", ErrBackendUnavailable, err)
	}
	return adapter, nil
}

type webgpuContext struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     DeviceInfo

	// modules caches compiled pass shaders across plans; plans of the
	// same length share most of their pass sources.
	modules     map[string]*wgpu.ShaderModule
	plannerDown bool
	closed      bool
}

func (c *webgpuContext) Info() DeviceInfo { return c.info }

func (c *webgpuContext) CreateBuffer(label string, size uint64) (Buffer, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	buf, err := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("rake/gpu: create buffer %q: %w", label, err)
	}
	return &webgpuBuffer{label: label, buf: buf}, nil
}

func (c *webgpuContext) module(label, code string) (*wgpu.ShaderModule, error) {
	if c.plannerDown {
		return nil, ErrPlannerDown
	}
	if m, ok := c.modules[code]; ok {
		return m, nil
	}
	m, err := c.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, fmt.Errorf("rake/gpu: compile %s: %w", label, err)
	}
	c.modules[code] = m
	return m, nil
}

func (c *webgpuContext) TeardownPlanner() error {
	if c.closed {
		return ErrContextClosed
	}
	for _, m := range c.modules {
		m.Release()
	}
	c.modules = nil
	c.plannerDown = true
	return nil
}

func (c *webgpuContext) Close() error {
	if c.closed {
		return nil
	}
	if !c.plannerDown {
		if err := c.TeardownPlanner(); err != nil {
			return err
		}
	}
	c.closed = true
	if c.device != nil {
		c.device.Release()
	}
	if c.adapter != nil {
		c.adapter.Release()
	}
	if c.instance != nil {
		c.instance.Release()
	}
	return nil
}

// webgpuEvent tracks one submission. The queue is in-order, so waiting
// polls the device until submitted work drains. Instants are host-clock
// approximations: queued at encode, submitted after queue submit,
// started equal to submitted, ended when completion is observed.
type webgpuEvent struct {
	ctx    *webgpuContext
	timing EventTiming
	done   bool
	err    error
	finish func() error
}

func (e *webgpuEvent) Wait() error {
	if e.done {
		return e.err
	}
	e.done = true
	if e.finish != nil {
		e.err = e.finish()
	} else {
		e.ctx.device.Poll(true, nil)
	}
	if e.timing.Ended.IsZero() {
		e.timing.Ended = time.Now()
	}
	return e.err
}

func (e *webgpuEvent) Timing() (EventTiming, error) {
	if !e.done {
		if err := e.Wait(); err != nil {
			return EventTiming{}, err
		}
	}
	if e.err != nil {
		return EventTiming{}, e.err
	}
	return e.timing, nil
}

// checkWaits propagates failures from already-observed events. The
// queue itself serializes execution, so pending events need no host
// round-trip here.
func checkWaits(waits []Event) error {
	for _, ev := range waits {
		if we, ok := ev.(*webgpuEvent); ok && we.done && we.err != nil {
			return we.err
		}
	}
	return nil
}
