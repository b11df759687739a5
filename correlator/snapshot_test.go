package correlator

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSnapshotStepJSON(t *testing.T) {
	snap := NewSnapshot()
	snap.SaveReferenceSpectra([]complex64{1 + 2i, 3 - 4i}, 2, 1)

	raw, err := snap.StepJSON(StepReference)
	if err != nil {
		t.Fatalf("StepJSON: %v", err)
	}
	var doc struct {
		Step         string          `json:"step"`
		Timestamp    time.Time       `json:"timestamp"`
		DataBytes    int             `json:"data_size_bytes"`
		ReferenceFFT []ComplexSample `json:"reference_fft"`
		NumShifts    int             `json:"num_shifts"`
		SignalLen    int             `json:"signal_len"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Step != "reference_spectra" {
		t.Errorf("step = %q", doc.Step)
	}
	if doc.DataBytes != 16 {
		t.Errorf("data_size_bytes = %d, want 16", doc.DataBytes)
	}
	if doc.NumShifts != 2 || doc.SignalLen != 1 {
		t.Errorf("dims = %d shifts of %d", doc.NumShifts, doc.SignalLen)
	}
	want := []ComplexSample{{1, 2}, {3, -4}}
	if len(doc.ReferenceFFT) != len(want) {
		t.Fatalf("got %d bins, want %d", len(doc.ReferenceFFT), len(want))
	}
	for i, w := range want {
		if doc.ReferenceFFT[i] != w {
			t.Errorf("bin %d = %+v, want %+v", i, doc.ReferenceFFT[i], w)
		}
	}
	if doc.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestSnapshotStepJSONRejectsUnknownStep(t *testing.T) {
	if _, err := NewSnapshot().StepJSON(StepNone); err == nil {
		t.Fatal("StepJSON accepted StepNone")
	}
}

func TestSnapshotTracksLatestStep(t *testing.T) {
	snap := NewSnapshot()
	if snap.Step() != StepNone {
		t.Fatalf("fresh snapshot step = %v", snap.Step())
	}
	snap.SaveReferenceSpectra(make([]complex64, 4), 2, 2)
	if snap.Step() != StepReference {
		t.Fatalf("step after reference save = %v", snap.Step())
	}
	snap.SaveInputSpectra(make([]complex64, 2), 1, 2)
	if snap.Step() != StepInput {
		t.Fatalf("step after input save = %v", snap.Step())
	}
	snap.SavePeaks(make([]float32, 4), 1, 2, 2)
	if snap.Step() != StepPeaks {
		t.Fatalf("step after peaks save = %v", snap.Step())
	}
}

func TestSnapshotDataSizeAndStatistics(t *testing.T) {
	snap := NewSnapshot()
	snap.SaveReferenceSpectra(make([]complex64, 2), 2, 1)
	snap.SaveInputSpectra(make([]complex64, 3), 3, 1)
	snap.SavePeaks(make([]float32, 4), 1, 2, 2)

	if got := snap.DataSize(); got != 2*8+3*8+4*4 {
		t.Errorf("DataSize = %d, want %d", got, 2*8+3*8+4*4)
	}
	stats := snap.Statistics()
	for _, want := range []string{"2 complex samples", "3 complex samples", "4 values", "56 bytes"} {
		if !strings.Contains(stats, want) {
			t.Errorf("statistics missing %q:\n%s", want, stats)
		}
	}
}

func TestSnapshotCopiesInput(t *testing.T) {
	src := []float32{1, 2, 3, 4}
	snap := NewSnapshot()
	snap.SavePeaks(src, 1, 2, 2)
	src[0] = 99
	if snap.Peaks()[0] != 1 {
		t.Fatal("snapshot aliases the caller's slice")
	}
}
