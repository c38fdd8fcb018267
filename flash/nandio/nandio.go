// Package nandio implements hosted I/O for byte-wide NAND devices on
// ARM targets. Instead of moving every byte through the debug
// interface, a small copy loop is uploaded into a working area on the
// target and run there, with the transfer parameters passed in core
// registers.
package nandio

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/dreamflyforever/openOCD/flash/common"
)

// ErrNoWorkingArea is returned when the target cannot provide a working
// area for the copy loop and its staging buffer. It is distinct from
// execution errors: nothing was attempted on the target.
var ErrNoWorkingArea = errors.New("no working area available")

const algorithmTimeout = 1000 * time.Millisecond

type op int

const (
	opNone op = iota
	opWrite
	opRead
)

// NandIO drives hosted transfers against one byte-wide NAND data port.
// It borrows the target for its lifetime and owns the working area it
// allocates on first use; the area is sized for the copy loop plus
// chunkSize bytes of staging buffer and is never reallocated.
//
// A NandIO is not safe for concurrent use. Callers must serialize
// transfers; the working area is overwritten on every call.
type NandIO struct {
	tgt       common.Target
	dataAddr  uint32
	chunkSize uint32

	copyArea *common.WorkingArea
	lastOp   op
}

// New returns a NandIO for the NAND data port at dataAddr. chunkSize is
// the largest payload a single Write or Read may carry; splitting
// larger transfers is the caller's business.
func New(tgt common.Target, dataAddr, chunkSize uint32) *NandIO {
	return &NandIO{tgt: tgt, dataAddr: dataAddr, chunkSize: chunkSize}
}

// ensureCopyArea makes sure the working area exists and holds the copy
// loop for dir. The area is allocated exactly once and reused for the
// life of the NandIO; the code is re-uploaded only when the transfer
// direction changes.
func (n *NandIO) ensureCopyArea(ctx context.Context, p *program, dir op) (*common.WorkingArea, error) {
	if n.copyArea == nil {
		size := p.byteLen() + n.chunkSize
		wa, err := n.tgt.AllocWorkingArea(ctx, size)
		if err != nil {
			glog.V(1).Infof("no %d byte working area: %v", size, err)
			return nil, errors.Annotatef(ErrNoWorkingArea, "%d bytes", size)
		}
		n.copyArea = wa
	}
	if n.lastOp != dir {
		// The words are decoded by the target CPU, so they must be laid
		// out in the target's byte order, not the host's.
		buf := make([]byte, p.byteLen())
		bo := n.tgt.Endianness()
		for i, w := range p.code {
			bo.PutUint32(buf[i*4:], w)
		}
		if err := n.tgt.WriteMemory(ctx, n.copyArea.Address, 4, len(p.code), buf); err != nil {
			return nil, errors.Annotatef(err, "failed to upload copy loop")
		}
		n.lastOp = dir
	}
	return n.copyArea, nil
}

// run executes the copy loop in wa with the three loop inputs in
// r0..r2. Register roles differ between the write and read loops; the
// caller passes them already in slot order.
func (n *NandIO) run(ctx context.Context, wa *common.WorkingArea, p *program, r0, r1, r2 uint32) error {
	names := [...]string{"r0", "r1", "r2"}
	values := [...]uint32{r0, r1, r2}
	params := make([]*common.RegParam, 0, len(names))
	defer func() {
		for _, rp := range params {
			n.tgt.ReleaseRegParam(rp)
		}
	}()
	for i, name := range names {
		rp, err := n.tgt.BindRegParam(name, 32, common.ParamIn)
		if err != nil {
			return errors.Annotatef(err, "failed to bind %s", name)
		}
		rp.Value = values[i]
		params = append(params, rp)
	}

	// Cores without a native return can only stop at a hardware
	// breakpoint, placed on the trap word after the loop.
	var exit uint32
	if !n.tgt.HasNativeReturn() {
		exit = wa.Address + p.byteLen() - 4
	}

	return errors.Trace(n.tgt.RunAlgorithm(ctx, &common.Algorithm{
		Entry:   wa.Address,
		Exit:    exit,
		Params:  params,
		Mode:    common.ExecutionMode{CoreMode: common.ModeSupervisor, CoreState: common.StateARM},
		Timeout: algorithmTimeout,
	}))
}

func (n *NandIO) checkSize(size uint32) error {
	if size > n.chunkSize {
		return errors.Errorf("payload of %d bytes exceeds chunk size %d", size, n.chunkSize)
	}
	return nil
}

// Write copies data to the NAND data port, in order. len(data) must not
// exceed the chunk size.
func (n *NandIO) Write(ctx context.Context, data []byte) error {
	size := uint32(len(data))
	if size == 0 {
		return nil
	}
	if err := n.checkSize(size); err != nil {
		return errors.Trace(err)
	}
	wa, err := n.ensureCopyArea(ctx, writeLoop, opWrite)
	if err != nil {
		return errors.Trace(err)
	}

	// Stage the payload right after the code: whole words in bulk, then
	// the trailing 1-3 bytes one at a time.
	buf := wa.Address + writeLoop.byteLen()
	whole := size &^ 3
	if whole > 0 {
		if err := n.tgt.WriteMemory(ctx, buf, 4, int(whole/4), data[:whole]); err != nil {
			return errors.Annotatef(err, "failed to stage data")
		}
	}
	if tail := size & 3; tail != 0 {
		if err := n.tgt.WriteMemory(ctx, buf+whole, 1, int(tail), data[whole:]); err != nil {
			return errors.Annotatef(err, "failed to stage data tail")
		}
	}

	// r0 = NAND data port, r1 = staged data, r2 = length
	if err := n.run(ctx, wa, writeLoop, n.dataAddr, buf, size); err != nil {
		glog.Errorf("error executing hosted NAND write: %v", err)
		return errors.Trace(err)
	}
	return nil
}

// Read copies len(data) bytes from the NAND data port into data. The
// loop stages the bytes in the working area; they are pulled back to
// the host only after the loop has run to completion.
func (n *NandIO) Read(ctx context.Context, data []byte) error {
	size := uint32(len(data))
	if size == 0 {
		return nil
	}
	if err := n.checkSize(size); err != nil {
		return errors.Trace(err)
	}
	wa, err := n.ensureCopyArea(ctx, readLoop, opRead)
	if err != nil {
		return errors.Trace(err)
	}

	buf := wa.Address + readLoop.byteLen()

	// r0 = staging buffer, r1 = NAND data port, r2 = length
	if err := n.run(ctx, wa, readLoop, buf, n.dataAddr, size); err != nil {
		glog.Errorf("error executing hosted NAND read: %v", err)
		return errors.Trace(err)
	}

	if err := n.tgt.ReadMemory(ctx, buf, data); err != nil {
		return errors.Annotatef(err, "failed to read back staged data")
	}
	return nil
}
