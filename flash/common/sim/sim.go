// Package sim implements an in-memory debug target for driver tests.
// It keeps a sparse memory image, hands out working areas from a bump
// allocator, and emulates the small ARMv4 instruction subset the hosted
// copy loops use, decoding words from memory in the configured byte
// order. Byte accesses at a fixed port address are routed to FIFO
// buffers so tests can observe exactly what reached the device.
package sim

import (
	"context"
	"encoding/binary"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/dreamflyforever/openOCD/flash/common"
)

// Runaway loops (a counter that wrapped, a branch that never falls
// through) surface as a timeout error instead of hanging the test.
const maxSteps = 1 << 20

// WriteCall records one WriteMemory invocation.
type WriteCall struct {
	Addr  uint32
	Width int
	Count int
}

// RunCall is a snapshot of one RunAlgorithm invocation, taken before
// the register params are released.
type RunCall struct {
	Entry   uint32
	Exit    uint32
	Regs    map[string]uint32
	Mode    common.ExecutionMode
	Timeout time.Duration
}

// Target simulates a halted ARM core behind a debug link. The exported
// counters and Fail* knobs let tests assert call patterns and inject
// collaborator failures. Not safe for concurrent use, as the real
// thing would not be either.
type Target struct {
	ByteOrder    binary.ByteOrder
	NativeReturn bool

	// PortAddr is the byte-wide device data port. Stores there land in
	// PortWrites; loads consume PortReads front to back and return 0xff
	// once drained, like an idle bus.
	PortAddr   uint32
	PortWrites []byte
	PortReads  []byte

	Mem map[uint32]byte

	AllocCalls   int
	WriteCalls   []WriteCall
	ReadCalls    int
	BindCalls    int
	ReleaseCalls int
	RunCalls     []RunCall

	FailAlloc bool
	FailWrite bool
	FailRead  bool
	// RunErr, when set, is returned by RunAlgorithm without executing
	// anything (a wedged target or an engine-reported timeout).
	RunErr error

	nextAddr uint32
}

// NewTarget returns a Target with the given native byte order and
// device port address. Working areas are handed out from 0x1000 up.
func NewTarget(bo binary.ByteOrder, portAddr uint32) *Target {
	return &Target{
		ByteOrder: bo,
		PortAddr:  portAddr,
		Mem:       map[uint32]byte{},
		nextAddr:  0x1000,
	}
}

func (t *Target) AllocWorkingArea(ctx context.Context, size uint32) (*common.WorkingArea, error) {
	t.AllocCalls++
	if t.FailAlloc {
		return nil, errors.New("target has no RAM to spare")
	}
	wa := &common.WorkingArea{Address: t.nextAddr, Size: size}
	t.nextAddr += (size + 3) &^ 3
	return wa, nil
}

func (t *Target) WriteMemory(ctx context.Context, addr uint32, width, count int, data []byte) error {
	t.WriteCalls = append(t.WriteCalls, WriteCall{Addr: addr, Width: width, Count: count})
	if t.FailWrite {
		return errors.New("memory write refused")
	}
	if len(data) != width*count {
		return errors.Errorf("got %d data bytes, want %d elements of %d", len(data), count, width)
	}
	for i, b := range data {
		t.Mem[addr+uint32(i)] = b
	}
	return nil
}

func (t *Target) ReadMemory(ctx context.Context, addr uint32, data []byte) error {
	t.ReadCalls++
	if t.FailRead {
		return errors.New("memory read refused")
	}
	for i := range data {
		data[i] = t.Mem[addr+uint32(i)]
	}
	return nil
}

func (t *Target) BindRegParam(name string, bitc int, dir common.ParamDirection) (*common.RegParam, error) {
	t.BindCalls++
	return &common.RegParam{Name: name, Bits: bitc, Dir: dir}, nil
}

func (t *Target) ReleaseRegParam(p *common.RegParam) {
	t.ReleaseCalls++
}

func (t *Target) Endianness() binary.ByteOrder {
	return t.ByteOrder
}

func (t *Target) HasNativeReturn() bool {
	return t.NativeReturn
}

// RunAlgorithm interprets the code at a.Entry. With a non-zero a.Exit
// it stops when the program counter reaches it, like a hardware
// breakpoint would; otherwise it stops when a BKPT is executed. A core
// without native return refuses to run with no exit address, since it
// would have no way to report completion.
func (t *Target) RunAlgorithm(ctx context.Context, a *common.Algorithm) error {
	rc := RunCall{
		Entry:   a.Entry,
		Exit:    a.Exit,
		Regs:    map[string]uint32{},
		Mode:    a.Mode,
		Timeout: a.Timeout,
	}
	for _, p := range a.Params {
		rc.Regs[p.Name] = p.Value
	}
	t.RunCalls = append(t.RunCalls, rc)
	if t.RunErr != nil {
		return t.RunErr
	}
	if !t.NativeReturn && a.Exit == 0 {
		return errors.New("core cannot signal completion without an exit breakpoint")
	}

	var regs [16]uint32
	for _, p := range a.Params {
		r, err := regIndex(p.Name)
		if err != nil {
			return errors.Trace(err)
		}
		regs[r] = p.Value
	}

	pc := a.Entry
	zero := false
	for steps := 0; ; steps++ {
		if steps >= maxSteps {
			return errors.Errorf("algorithm did not complete within %s", a.Timeout)
		}
		if a.Exit != 0 && pc == a.Exit {
			return nil
		}
		w := t.word(pc)

		switch cond := w >> 28; cond {
		case 0xe: // AL
		case 0x0: // EQ
			if !zero {
				pc += 4
				continue
			}
		case 0x1: // NE
			if zero {
				pc += 4
				continue
			}
		default:
			return errors.Errorf("unsupported condition %#x in %#08x at %#x", cond, w, pc)
		}

		switch {
		case w&0x0fffffff == 0x01200070: // bkpt #0
			return nil

		case (w>>25)&7 == 5: // b
			if (w>>24)&1 != 0 {
				return errors.Errorf("bl not supported at %#x", pc)
			}
			pc = uint32(int32(pc) + 8 + (int32(w<<8)>>8)*4)
			continue

		case (w>>26)&3 == 1 && (w>>25)&1 == 0: // ldr/str, immediate offset
			pre := (w>>24)&1 != 0
			up := (w>>23)&1 != 0
			byteOp := (w>>22)&1 != 0
			wback := (w>>21)&1 != 0
			load := (w>>20)&1 != 0
			rn := (w >> 16) & 0xf
			rd := (w >> 12) & 0xf
			imm := w & 0xfff
			if !byteOp {
				return errors.Errorf("word transfers not supported: %#08x at %#x", w, pc)
			}
			base := regs[rn]
			indexed := base + imm
			if !up {
				indexed = base - imm
			}
			ea := base
			if pre {
				ea = indexed
			}
			if load {
				regs[rd] = uint32(t.loadByte(ea))
			} else {
				t.storeByte(ea, byte(regs[rd]))
			}
			if !pre {
				regs[rn] = indexed
			} else if wback {
				regs[rn] = ea
			}

		case (w>>26)&3 == 0 && (w>>25)&1 == 1: // data processing, immediate
			opcode := (w >> 21) & 0xf
			setFlags := (w>>20)&1 != 0
			rn := (w >> 16) & 0xf
			rd := (w >> 12) & 0xf
			val := bits.RotateLeft32(w&0xff, -2*int((w>>8)&0xf))
			if opcode != 0x2 { // SUB
				return errors.Errorf("unsupported data op %#x at %#x", opcode, pc)
			}
			res := regs[rn] - val
			regs[rd] = res
			if setFlags {
				zero = res == 0
			}

		default:
			return errors.Errorf("cannot decode %#08x at %#x", w, pc)
		}
		pc += 4
	}
}

func (t *Target) word(addr uint32) uint32 {
	var b [4]byte
	for i := range b {
		b[i] = t.Mem[addr+uint32(i)]
	}
	return t.ByteOrder.Uint32(b[:])
}

func (t *Target) loadByte(addr uint32) byte {
	if addr == t.PortAddr {
		if len(t.PortReads) == 0 {
			return 0xff
		}
		b := t.PortReads[0]
		t.PortReads = t.PortReads[1:]
		return b
	}
	return t.Mem[addr]
}

func (t *Target) storeByte(addr uint32, b byte) {
	if addr == t.PortAddr {
		t.PortWrites = append(t.PortWrites, b)
		return
	}
	t.Mem[addr] = b
}

func regIndex(name string) (int, error) {
	num, ok := strings.CutPrefix(name, "r")
	if !ok {
		return 0, errors.Errorf("unknown register %q", name)
	}
	r, err := strconv.Atoi(num)
	if err != nil || r < 0 || r > 15 {
		return 0, errors.Errorf("unknown register %q", name)
	}
	return r, nil
}
