package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/openfluke/rake/gpu"
)

// OperationTiming is the per-operation timing record surfaced to the
// orchestration layer. All values are milliseconds. Purely
// observational; nothing in the pipeline reads these back.
type OperationTiming struct {
	// ExecuteMS is device start to device end.
	ExecuteMS float64 `json:"execute_ms"`
	// QueueWaitMS is submit to device start.
	QueueWaitMS float64 `json:"queue_wait_ms"`
	// HostWaitMS is how long the host blocked waiting for completion.
	HostWaitMS float64 `json:"host_wait_ms"`
	// TotalMS is queue entry to device end.
	TotalMS float64 `json:"total_ms"`
}

// StageTimings collects the seven operation timings of one full
// pipeline run: two per forward stage, three for the correlation
// stage.
type StageTimings struct {
	ReferenceUpload    OperationTiming `json:"reference_upload"`
	ReferenceTransform OperationTiming `json:"reference_transform"`
	InputUpload        OperationTiming `json:"input_upload"`
	InputTransform     OperationTiming `json:"input_transform"`
	CorrelationCopy    OperationTiming `json:"correlation_copy"`
	CorrelationIFFT    OperationTiming `json:"correlation_ifft"`
	PeaksRead          OperationTiming `json:"peaks_read"`
}

func durMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// profileEvent blocks until the event completes and extracts its
// timing. A zero device duration is reported as a warning, not an
// error: it usually means the operation collapsed to a no-op.
func profileEvent(log *slog.Logger, ev gpu.Event, label string) (OperationTiming, error) {
	if ev == nil {
		return OperationTiming{}, fmt.Errorf("%s: no completion event", label)
	}
	start := time.Now()
	if err := ev.Wait(); err != nil {
		return OperationTiming{}, fmt.Errorf("%s: %w", label, err)
	}
	hostWait := time.Since(start)

	t, err := ev.Timing()
	if err != nil {
		return OperationTiming{}, fmt.Errorf("%s timing: %w", label, err)
	}
	ot := OperationTiming{
		ExecuteMS:   durMS(t.Ended.Sub(t.Started)),
		QueueWaitMS: durMS(t.Started.Sub(t.Submitted)),
		HostWaitMS:  durMS(hostWait),
		TotalMS:     durMS(t.Ended.Sub(t.Queued)),
	}
	if ot.ExecuteMS == 0 && ot.TotalMS == 0 {
		log.Warn("operation reported zero duration; it may not have executed", "op", label)
	}
	log.Debug("profiled operation", "op", label,
		"execute_ms", ot.ExecuteMS, "queue_wait_ms", ot.QueueWaitMS,
		"host_wait_ms", ot.HostWaitMS, "total_ms", ot.TotalMS)
	return ot, nil
}
