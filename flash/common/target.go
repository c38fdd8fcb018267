package common

import (
	"context"
	"encoding/binary"
	"time"
)

// WorkingArea is a scratch region reserved in the target's memory.
type WorkingArea struct {
	Address uint32
	Size    uint32
}

type ParamDirection int

const (
	ParamIn ParamDirection = iota
	ParamOut
	ParamInOut
)

// RegParam is one core-register argument for an algorithm run.
// Params are obtained from the target with BindRegParam and must be
// handed back with ReleaseRegParam once the run is over, on every path.
type RegParam struct {
	Name  string
	Bits  int
	Dir   ParamDirection
	Value uint32
}

type CoreMode int

const (
	ModeSupervisor CoreMode = iota
)

type CoreState int

const (
	StateARM CoreState = iota
)

// ExecutionMode tells the execution engine which privilege mode and
// instruction set state to run the algorithm in.
type ExecutionMode struct {
	CoreMode  CoreMode
	CoreState CoreState
}

// Algorithm describes one run of code previously uploaded to the target.
// Exit == 0 lets the engine detect completion on its own. A non-zero
// Exit designates a hardware breakpoint the engine arms before the run
// and disarms after; cores without a native return mechanism can only
// stop this way.
type Algorithm struct {
	Entry   uint32
	Exit    uint32
	Params  []*RegParam
	Mode    ExecutionMode
	Timeout time.Duration
}

// Target is the debug target the hosted flash drivers work against.
type Target interface {
	// AllocWorkingArea reserves size bytes of target memory for code and
	// data staging.
	AllocWorkingArea(ctx context.Context, size uint32) (*WorkingArea, error)
	// WriteMemory writes count elements of the given width to addr.
	// data is laid out exactly as it must appear in target memory;
	// width and count only describe the access granularity (word-wide
	// bulk transfers vs single-byte tail writes).
	WriteMemory(ctx context.Context, addr uint32, width, count int, data []byte) error
	// ReadMemory fills data from target memory starting at addr.
	ReadMemory(ctx context.Context, addr uint32, data []byte) error
	// BindRegParam reserves a register parameter slot for a run.
	BindRegParam(name string, bits int, dir ParamDirection) (*RegParam, error)
	// ReleaseRegParam returns a slot obtained from BindRegParam.
	ReleaseRegParam(p *RegParam)
	// RunAlgorithm runs the code at a.Entry to completion and blocks
	// until it stops or a.Timeout expires.
	RunAlgorithm(ctx context.Context, a *Algorithm) error
	// Endianness is the target's native word byte order.
	Endianness() binary.ByteOrder
	// HasNativeReturn reports whether algorithms on this core can signal
	// completion without a hardware breakpoint. When false, callers must
	// supply Algorithm.Exit.
	HasNativeReturn() bool
}
