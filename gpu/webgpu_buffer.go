package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

type webgpuBuffer struct {
	label  string
	buf    *wgpu.Buffer
	closed bool
}

func (b *webgpuBuffer) Label() string { return b.label }

// Size reports what the device actually allocated, which may exceed
// the requested size.
func (b *webgpuBuffer) Size() uint64 {
	if b.closed || b.buf == nil {
		return 0
	}
	return b.buf.GetSize()
}

func (b *webgpuBuffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.buf != nil {
		b.buf.Destroy()
	}
	return nil
}

func toWebGPU(b Buffer) (*webgpuBuffer, error) {
	wb, ok := b.(*webgpuBuffer)
	if !ok || wb == nil {
		return nil, fmt.Errorf("%w: buffer does not belong to the webgpu backend", ErrNilBuffer)
	}
	if wb.closed {
		return nil, fmt.Errorf("%w: buffer %q is closed", ErrNilBuffer, wb.label)
	}
	return wb, nil
}

func (c *webgpuContext) Upload(dst Buffer, offset uint64, data []byte, waits []Event) (Event, error) {
	queued := time.Now()
	if c.closed {
		return nil, ErrContextClosed
	}
	if err := checkWaits(waits); err != nil {
		return nil, err
	}
	db, err := toWebGPU(dst)
	if err != nil {
		return nil, err
	}
	if offset+uint64(len(data)) > db.Size() {
		return nil, fmt.Errorf("%w: upload [%d,%d) into %q of %d bytes",
			ErrBufferRange, offset, offset+uint64(len(data)), db.label, db.Size())
	}
	c.queue.WriteBuffer(db.buf, offset, data)
	submitted := time.Now()
	return &webgpuEvent{ctx: c, timing: EventTiming{
		Queued: queued, Submitted: submitted, Started: submitted,
	}}, nil
}

func (c *webgpuContext) Copy(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64, waits []Event) (Event, error) {
	queued := time.Now()
	if c.closed {
		return nil, ErrContextClosed
	}
	if err := checkWaits(waits); err != nil {
		return nil, err
	}
	sb, err := toWebGPU(src)
	if err != nil {
		return nil, err
	}
	db, err := toWebGPU(dst)
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

	encoder, err := c.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("rake/gpu: create command encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(sb.buf, srcOffset, db.buf, dstOffset, size)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("rake/gpu: finish copy command: %w", err)
	}
	c.queue.Submit(cmd)
	submitted := time.Now()
	return &webgpuEvent{ctx: c, timing: EventTiming{
		Queued: queued, Submitted: submitted, Started: submitted,
	}}, nil
}

func (c *webgpuContext) Download(src Buffer, offset uint64, dst []byte, waits []Event) (Event, error) {
	queued := time.Now()
	if c.closed {
		return nil, ErrContextClosed
	}
	if err := checkWaits(waits); err != nil {
		return nil, err
	}
	sb, err := toWebGPU(src)
	if err != nil {
		return nil, err
	}
	size := uint64(len(dst))
	if offset+size > sb.Size() {
		return nil, fmt.Errorf("%w: download [%d,%d) from %q of %d bytes",
			ErrBufferRange, offset, offset+size, sb.label, sb.Size())
	}

	staging, err := c.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: sb.label + "/staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("rake/gpu: create staging buffer: %w", err)
	}
	encoder, err := c.device.CreateCommandEncoder(nil)
	if err != nil {
		staging.Destroy()
		return nil, fmt.Errorf("rake/gpu: create command encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(sb.buf, offset, staging, 0, size)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		staging.Destroy()
		return nil, fmt.Errorf("rake/gpu: finish download command: %w", err)
	}
	c.queue.Submit(cmd)
	submitted := time.Now()

	// The read lands in dst when the event is waited on: map the
	// staging buffer, copy out, unmap.
	finish := func() error {
		defer staging.Destroy()
		mapped := false
		var mapErr error
		err := staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
			if status != wgpu.BufferMapAsyncStatusSuccess {
				mapErr = fmt.Errorf("rake/gpu: map staging buffer: status %v", status)
			}
			mapped = true
		})
		if err != nil {
			return fmt.Errorf("rake/gpu: map staging buffer: %w", err)
		}
		for !mapped {
			c.device.Poll(true, nil)
		}
		if mapErr != nil {
			return mapErr
		}
		data := staging.GetMappedRange(0, uint(size))
		if data == nil {
			return fmt.Errorf("rake/gpu: mapped range unavailable for %q", sb.label)
		}
		copy(dst, data)
		staging.Unmap()
		return nil
	}
	return &webgpuEvent{ctx: c, finish: finish, timing: EventTiming{
		Queued: queued, Submitted: submitted, Started: submitted,
	}}, nil
}
