package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unsafe"
)

// Callback parameter structs shared between the host and the generated
// kernel source. Field order, width, and the explicit padding words
// must match the WGSL declarations below exactly. A mismatch does not
// crash, it silently misreads, which is why BuildPlan asserts the
// sizes and the tests assert them again.

// ConvertParams parameterizes the int32-to-complex pre-callbacks of
// both forward plans. 16 bytes.
type ConvertParams struct {
	Scale float32
	Pad0  uint32
	Pad1  uint32
	Pad2  uint32
}

// MultiplyParams heads the combined multiply scratch region, in front
// of the reference and input spectrum tables. 16 bytes.
type MultiplyParams struct {
	NumSignals uint32
	NumShifts  uint32
	SignalLen  uint32
	Pad0       uint32
}

// PeaksParams heads the peaks scratch region, in front of the
// magnitude slots. 24 bytes.
type PeaksParams struct {
	NumSignals  uint32
	NumShifts   uint32
	SignalLen   uint32
	Points      uint32
	SearchRange uint32
	Pad0        uint32
}

const (
	ConvertParamsSize  = 16
	MultiplyParamsSize = 16
	PeaksParamsSize    = 24
)

// Device-side declarations. ConvertParams is bound as a struct; the
// scratch headers are read as leading words of their regions, so their
// declarations exist to pin layout and the word indices next to them.
const (
	convertParamsWGSL = `struct ConvertParams {
	scale : f32,
	pad0 : u32,
	pad1 : u32,
	pad2 : u32,
}`

	multiplyParamsWGSL = `struct MultiplyParams {
	num_signals : u32,
	num_shifts : u32,
	signal_len : u32,
	pad0 : u32,
}`

	peaksParamsWGSL = `struct PeaksParams {
	num_signals : u32,
	num_shifts : u32,
	signal_len : u32,
	points : u32,
	search_range : u32,
	pad0 : u32,
}`
)

// Word indices into the multiply scratch header (4-byte words).
const (
	multiplyWordNumSignals = 0
	multiplyWordNumShifts  = 1
	multiplyWordSignalLen  = 2
	multiplyHeaderWords    = MultiplyParamsSize / 4
)

// Word indices into the peaks scratch header.
const (
	peaksWordNumSignals  = 0
	peaksWordNumShifts   = 1
	peaksWordSignalLen   = 2
	peaksWordPoints      = 3
	peaksWordSearchRange = 4
	peaksHeaderWords     = PeaksParamsSize / 4
)

func (p ConvertParams) Bytes() []byte {
	b := make([]byte, ConvertParamsSize)
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(p.Scale))
	binary.LittleEndian.PutUint32(b[4:], p.Pad0)
	binary.LittleEndian.PutUint32(b[8:], p.Pad1)
	binary.LittleEndian.PutUint32(b[12:], p.Pad2)
	return b
}

func (p MultiplyParams) Bytes() []byte {
	b := make([]byte, MultiplyParamsSize)
	binary.LittleEndian.PutUint32(b[0:], p.NumSignals)
	binary.LittleEndian.PutUint32(b[4:], p.NumShifts)
	binary.LittleEndian.PutUint32(b[8:], p.SignalLen)
	binary.LittleEndian.PutUint32(b[12:], p.Pad0)
	return b
}

func (p PeaksParams) Bytes() []byte {
	b := make([]byte, PeaksParamsSize)
	binary.LittleEndian.PutUint32(b[0:], p.NumSignals)
	binary.LittleEndian.PutUint32(b[4:], p.NumShifts)
	binary.LittleEndian.PutUint32(b[8:], p.SignalLen)
	binary.LittleEndian.PutUint32(b[12:], p.Points)
	binary.LittleEndian.PutUint32(b[16:], p.SearchRange)
	binary.LittleEndian.PutUint32(b[20:], p.Pad0)
	return b
}

func decodeConvertParams(b []byte) (ConvertParams, error) {
	if len(b) < ConvertParamsSize {
		return ConvertParams{}, fmt.Errorf("%w: convert params need %d bytes, have %d",
			ErrBufferTooSmall, ConvertParamsSize, len(b))
	}
	return ConvertParams{
		Scale: math.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		Pad0:  binary.LittleEndian.Uint32(b[4:]),
		Pad1:  binary.LittleEndian.Uint32(b[8:]),
		Pad2:  binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

func decodeMultiplyParams(b []byte) (MultiplyParams, error) {
	if len(b) < MultiplyParamsSize {
		return MultiplyParams{}, fmt.Errorf("%w: multiply params need %d bytes, have %d",
			ErrBufferTooSmall, MultiplyParamsSize, len(b))
	}
	return MultiplyParams{
		NumSignals: binary.LittleEndian.Uint32(b[0:]),
		NumShifts:  binary.LittleEndian.Uint32(b[4:]),
		SignalLen:  binary.LittleEndian.Uint32(b[8:]),
		Pad0:       binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

func decodePeaksParams(b []byte) (PeaksParams, error) {
	if len(b) < PeaksParamsSize {
		return PeaksParams{}, fmt.Errorf("%w: peaks params need %d bytes, have %d",
			ErrBufferTooSmall, PeaksParamsSize, len(b))
	}
	return PeaksParams{
		NumSignals:  binary.LittleEndian.Uint32(b[0:]),
		NumShifts:   binary.LittleEndian.Uint32(b[4:]),
		SignalLen:   binary.LittleEndian.Uint32(b[8:]),
		Points:      binary.LittleEndian.Uint32(b[12:]),
		SearchRange: binary.LittleEndian.Uint32(b[16:]),
		Pad0:        binary.LittleEndian.Uint32(b[20:]),
	}, nil
}

// wgslStructSize computes the byte size of one of the declarations
// above. Every field is a 4-byte scalar, so the size is the field
// count times four; anything else in the declaration is a bug.
func wgslStructSize(decl string) int {
	n := 0
	for _, line := range strings.Split(decl, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasSuffix(line, "f32,") || strings.HasSuffix(line, "u32,") ||
			strings.HasSuffix(line, "i32,") {
			n++
		}
	}
	return n * 4
}

// checkParamLayouts guards against host/device struct drift. It is
// cheap and runs on every BuildPlan.
func checkParamLayouts() error {
	checks := []struct {
		name     string
		hostSize int
		declSize int
	}{
		{"ConvertParams", int(unsafe.Sizeof(ConvertParams{})), wgslStructSize(convertParamsWGSL)},
		{"MultiplyParams", int(unsafe.Sizeof(MultiplyParams{})), wgslStructSize(multiplyParamsWGSL)},
		{"PeaksParams", int(unsafe.Sizeof(PeaksParams{})), wgslStructSize(peaksParamsWGSL)},
	}
	for _, c := range checks {
		if c.hostSize != c.declSize {
			return fmt.Errorf("rake/gpu: %s layout drift: host %d bytes, device %d bytes",
				c.name, c.hostSize, c.declSize)
		}
	}
	return nil
}
