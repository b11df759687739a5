package correlator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openfluke/rake/config"
	"github.com/openfluke/rake/pipeline"
)

// Exporter writes per-step validation documents into one directory.
// All files from one run share a timestamp, so consecutive runs into
// the same directory never clobber each other.
type Exporter struct {
	dir   string
	stamp string
}

// NewExporter creates the export directory if needed.
func NewExporter(dir string) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &Exporter{dir: dir, stamp: time.Now().Format("2006-01-02_15-04-05")}, nil
}

// Dir returns the directory files are written into.
func (e *Exporter) Dir() string { return e.dir }

// ExportStep0 records the raw integer blocks before any device work,
// so a failing run can be replayed from its exact inputs.
func (e *Exporter) ExportStep0(reference, inputs []int32, p config.Parameters) error {
	return e.write("step0", struct {
		Step          string            `json:"step"`
		Timestamp     time.Time         `json:"timestamp"`
		Configuration config.Parameters `json:"configuration"`
		Reference     []int32           `json:"reference_signal"`
		Inputs        []int32           `json:"input_signals"`
	}{"raw_signals", time.Now(), p, reference, inputs})
}

// ExportStep1 writes the reference spectra with their validation
// outcome.
func (e *Exporter) ExportStep1(snap *Snapshot, p config.Parameters, v ValidationResult) error {
	return e.exportStep("step1", StepReference, snap, p, v)
}

// ExportStep2 writes the input spectra with their validation outcome.
func (e *Exporter) ExportStep2(snap *Snapshot, p config.Parameters, v ValidationResult) error {
	return e.exportStep("step2", StepInput, snap, p, v)
}

// ExportStep3 writes the peaks with their validation outcome.
func (e *Exporter) ExportStep3(snap *Snapshot, p config.Parameters, v ValidationResult) error {
	return e.exportStep("step3", StepPeaks, snap, p, v)
}

func (e *Exporter) exportStep(name string, step Step, snap *Snapshot, p config.Parameters, v ValidationResult) error {
	data, err := snap.StepJSON(step)
	if err != nil {
		return err
	}
	return e.write(name, struct {
		Step          string            `json:"step"`
		Timestamp     time.Time         `json:"timestamp"`
		Configuration config.Parameters `json:"configuration"`
		Data          json.RawMessage   `json:"data"`
		Validation    ValidationResult  `json:"validation"`
	}{step.String(), time.Now(), p, data, v})
}

// ExportFinalReport writes one document holding everything the run
// produced: configuration, snapshot statistics, per-step data, and
// the recorded timings.
func (e *Exporter) ExportFinalReport(snap *Snapshot, p config.Parameters, timings pipeline.StageTimings) error {
	steps := struct {
		Step1 json.RawMessage `json:"step1"`
		Step2 json.RawMessage `json:"step2"`
		Step3 json.RawMessage `json:"step3"`
	}{}
	var err error
	if steps.Step1, err = snap.StepJSON(StepReference); err != nil {
		return err
	}
	if steps.Step2, err = snap.StepJSON(StepInput); err != nil {
		return err
	}
	if steps.Step3, err = snap.StepJSON(StepPeaks); err != nil {
		return err
	}

	b, err := json.MarshalIndent(struct {
		ReportType    string                `json:"report_type"`
		Timestamp     time.Time             `json:"timestamp"`
		Configuration config.Parameters     `json:"configuration"`
		Statistics    string                `json:"statistics"`
		Timings       pipeline.StageTimings `json:"timings"`
		AllSteps      any                   `json:"all_steps"`
	}{"final_validation_report", time.Now(), p, snap.Statistics(), timings, steps}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal final report: %w", err)
	}
	name := filepath.Join(e.dir, fmt.Sprintf("final_report_%s.json", e.stamp))
	if err := os.WriteFile(name, b, 0o644); err != nil {
		return fmt.Errorf("write final report: %w", err)
	}
	return nil
}

func (e *Exporter) write(name string, doc any) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s export: %w", name, err)
	}
	path := filepath.Join(e.dir, fmt.Sprintf("validation_%s_%s.json", name, e.stamp))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s export: %w", name, err)
	}
	return nil
}
