package nandio

// program is a copy loop injected into the working area. The words are
// ARM (32-bit state) encodings; the trap at the end is reached exactly
// once, when the counter hits zero.
type program struct {
	code []uint32
}

func (p *program) byteLen() uint32 {
	return uint32(len(p.code)) * 4
}

// Inputs:
//
//	r0	NAND data address (byte wide)
//	r1	buffer address
//	r2	buffer length
var writeLoop = &program{code: []uint32{
	0xe4d13001, // s: ldrb  r3, [r1], #1
	0xe5c03000, //    strb  r3, [r0]
	0xe2522001, //    subs  r2, r2, #1
	0x1afffffb, //    bne   s

	// ARMv4 cores stop here via a hardware breakpoint.
	0xe1200070, // e: bkpt  #0
}}

// Inputs:
//
//	r0	buffer address
//	r1	NAND data address (byte wide)
//	r2	buffer length
var readLoop = &program{code: []uint32{
	0xe5d13000, // s: ldrb  r3, [r1]
	0xe4c03001, //    strb  r3, [r0], #1
	0xe2522001, //    subs  r2, r2, #1
	0x1afffffb, //    bne   s

	// ARMv4 cores stop here via a hardware breakpoint.
	0xe1200070, // e: bkpt  #0
}}
