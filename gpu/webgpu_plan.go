package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

type webgpuPass struct {
	label     string
	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup
	groupsX   uint32
	groupsY   uint32
}

// webgpuPlan is a baked transform: one compiled pipeline and bind
// group per radix-2 pass, plus the two scratch buffers interior passes
// ping-pong through. Bindings are resolved here at bake, which is why
// plans must close before the buffers they reference.
type webgpuPlan struct {
	spec     PlanSpec
	ctx      *webgpuContext
	passes   []webgpuPass
	scratchA *wgpu.Buffer
	scratchB *wgpu.Buffer
	closed   bool
}

func (c *webgpuContext) BuildPlan(spec PlanSpec) (Plan, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	if c.plannerDown {
		return nil, ErrPlannerDown
	}
	if err := checkParamLayouts(); err != nil {
		return nil, err
	}
	sources, err := generatePlanSources(spec)
	if err != nil {
		return nil, err
	}

	bufs := map[bufferRole]*webgpuBuffer{}
	for _, rb := range []struct {
		role bufferRole
		b    Buffer
	}{
		{roleInput, spec.Input},
		{roleOutput, spec.Output},
		{rolePreParams, spec.PreParams},
		{rolePostParams, spec.PostParams},
	} {
		if rb.b == nil {
			continue
		}
		wb, err := toWebGPU(rb.b)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", spec.Label, err)
		}
		bufs[rb.role] = wb
	}

	plan := &webgpuPlan{spec: spec, ctx: c}
	if len(sources) > 1 {
		scratchBytes := planOutputBytes(spec)
		plan.scratchA, err = c.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: spec.Label + "/scratchA",
			Size:  scratchBytes,
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
		})
		if err != nil {
			return nil, fmt.Errorf("rake/gpu: plan %q scratch: %w", spec.Label, err)
		}
		plan.scratchB, err = c.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: spec.Label + "/scratchB",
			Size:  scratchBytes,
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
		})
		if err != nil {
			plan.Close()
			return nil, fmt.Errorf("rake/gpu: plan %q scratch: %w", spec.Label, err)
		}
	}

	for _, src := range sources {
		module, err := c.module(src.Label, src.Code)
		if err != nil {
			plan.Close()
			return nil, err
		}
		pipeline, err := c.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label:   src.Label,
			Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
		})
		if err != nil {
			plan.Close()
			return nil, fmt.Errorf("rake/gpu: pipeline %s: %w", src.Label, err)
		}

		entries := make([]wgpu.BindGroupEntry, 0, len(src.Bindings))
		for _, pb := range src.Bindings {
			var buf *wgpu.Buffer
			switch pb.Role {
			case roleScratchA:
				buf = plan.scratchA
			case roleScratchB:
				buf = plan.scratchB
			default:
				if wb := bufs[pb.Role]; wb != nil {
					buf = wb.buf
				}
			}
			if buf == nil {
				pipeline.Release()
				plan.Close()
				return nil, fmt.Errorf("%w: plan %q pass %s binding %d",
					ErrNilBuffer, spec.Label, src.Label, pb.Binding)
			}
			entries = append(entries, wgpu.BindGroupEntry{
				Binding: pb.Binding,
				Buffer:  buf,
				Size:    buf.GetSize(),
			})
		}
		bindGroup, err := c.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:   src.Label,
			Layout:  pipeline.GetBindGroupLayout(0),
			Entries: entries,
		})
		if err != nil {
			pipeline.Release()
			plan.Close()
			return nil, fmt.Errorf("rake/gpu: bind group %s: %w", src.Label, err)
		}
		plan.passes = append(plan.passes, webgpuPass{
			label:     src.Label,
			pipeline:  pipeline,
			bindGroup: bindGroup,
			groupsX:   src.GroupsX,
			groupsY:   src.GroupsY,
		})
	}
	return plan, nil
}

func (p *webgpuPlan) Length() int { return p.spec.Length }
func (p *webgpuPlan) Batch() int  { return p.spec.Batch }

// Enqueue records every pass into one command buffer. Dispatches in a
// command buffer execute in order with storage writes visible to the
// next pass, so the chain needs no host synchronization.
func (p *webgpuPlan) Enqueue(in, out Buffer, waits []Event) (Event, error) {
	queued := time.Now()
	if p.closed {
		return nil, fmt.Errorf("%w: plan %q is closed", ErrPlanBinding, p.spec.Label)
	}
	if err := checkWaits(waits); err != nil {
		return nil, err
	}
	if in != p.spec.Input || out != p.spec.Output {
		return nil, fmt.Errorf("%w: plan %q was baked against different buffers",
			ErrPlanBinding, p.spec.Label)
	}

	encoder, err := p.ctx.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("rake/gpu: create command encoder: %w", err)
	}
	for _, ps := range p.passes {
		pass := encoder.BeginComputePass(nil)
		pass.SetPipeline(ps.pipeline)
		pass.SetBindGroup(0, ps.bindGroup, nil)
		pass.DispatchWorkgroups(ps.groupsX, ps.groupsY, 1)
		pass.End()
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("rake/gpu: finish transform command: %w", err)
	}
	p.ctx.queue.Submit(cmd)
	submitted := time.Now()
	return &webgpuEvent{ctx: p.ctx, timing: EventTiming{
		Queued: queued, Submitted: submitted, Started: submitted,
	}}, nil
}

func (p *webgpuPlan) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	for _, ps := range p.passes {
		if ps.bindGroup != nil {
			ps.bindGroup.Release()
		}
		if ps.pipeline != nil {
			ps.pipeline.Release()
		}
	}
	p.passes = nil
	if p.scratchA != nil {
		p.scratchA.Destroy()
		p.scratchA = nil
	}
	if p.scratchB != nil {
		p.scratchB.Destroy()
		p.scratchB = nil
	}
	return nil
}
