package ec

import (
	"context"
	"encoding/binary"

	"github.com/juju/errors"

	"github.com/mcu-tools/ecflash/cli/ec/transport"
	"github.com/mcu-tools/ecflash/common/ecproto"
)

// fakeEC emulates the device side of the host-command interface: a flash
// array, a running-image register and the handful of commands the tool
// issues. Tests script deviations through the fields below.
type fakeEC struct {
	flash      []byte
	running    ecproto.Image
	writeBlock uint32
	eraseBlock uint32
	maxData    int

	// Per-opcode queues of result codes served instead of executing the
	// command; a ResSuccess entry is consumed and the command runs.
	results map[uint16][]ecproto.Result

	busyPolls int    // comms status reports PROCESSING this many more times
	deferred  []byte // payload served by CmdResendResponse

	failJumps int // jump reboots to fail before letting one through

	wpFlags   uint32
	wpNoRoNow bool // EC cannot apply the RO-only immediate bit
	wpGpio    bool // hardware write-protect line asserted
	wpRO      [2]uint32

	calls   map[uint16]int
	reboots [][2]uint8
}

func newFakeEC() *fakeEC {
	f := &fakeEC{
		flash:      make([]byte, 0x20000),
		running:    ecproto.ImageRO,
		writeBlock: 4,
		eraseBlock: 0x1000,
		maxData:    0x200,
		results:    map[uint16][]ecproto.Result{},
		wpRO:       [2]uint32{0, 0x10000},
		calls:      map[uint16]int{},
	}
	for i := range f.flash {
		f.flash[i] = 0xff
	}
	return f
}

func (f *fakeEC) queueResult(op uint16, r ecproto.Result) {
	f.results[op] = append(f.results[op], r)
}

func (f *fakeEC) Proto() ecproto.ProtoVersion { return ecproto.ProtoV3 }
func (f *fakeEC) MaxDataSize() int            { return f.maxData }
func (f *fakeEC) Close() error                { return nil }

func okResp(data []byte) (*transport.Response, error) {
	return &transport.Response{Result: ecproto.ResSuccess, Data: data}, nil
}

func (f *fakeEC) SendReceive(ctx context.Context, cmd *ecproto.Command) (*transport.Response, error) {
	f.calls[cmd.Op]++
	if q := f.results[cmd.Op]; len(q) > 0 {
		r := q[0]
		f.results[cmd.Op] = q[1:]
		if r != ecproto.ResSuccess {
			return &transport.Response{Result: r}, nil
		}
	}
	switch cmd.Op {
	case ecproto.CmdHello:
		in, err := ecproto.DecodeHelloResponse(cmd.Data)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return okResp(ecproto.EncodeHelloParams(in + ecproto.HelloMagic))

	case ecproto.CmdGetVersion:
		b := make([]byte, 100)
		copy(b[0:32], "fake_v1.0.0-ro")
		copy(b[32:64], "fake_v1.1.0-rw")
		binary.LittleEndian.PutUint32(b[96:100], uint32(f.running))
		return okResp(b)

	case ecproto.CmdGetCommsStatus:
		var flags uint32
		if f.busyPolls > 0 {
			f.busyPolls--
			flags = ecproto.CommsStatusProcessing
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, flags)
		return okResp(b)

	case ecproto.CmdResendResponse:
		return okResp(f.deferred)

	case ecproto.CmdFlashInfo:
		b := make([]byte, 16)
		binary.LittleEndian.PutUint32(b[0:4], uint32(len(f.flash)))
		binary.LittleEndian.PutUint32(b[4:8], f.writeBlock)
		binary.LittleEndian.PutUint32(b[8:12], f.eraseBlock)
		binary.LittleEndian.PutUint32(b[12:16], f.eraseBlock)
		return okResp(b)

	case ecproto.CmdFlashRead:
		offset := binary.LittleEndian.Uint32(cmd.Data[0:4])
		size := binary.LittleEndian.Uint32(cmd.Data[4:8])
		if uint64(offset)+uint64(size) > uint64(len(f.flash)) {
			return &transport.Response{Result: ecproto.ResInvalidParam}, nil
		}
		return okResp(append([]byte(nil), f.flash[offset:offset+size]...))

	case ecproto.CmdFlashErase:
		offset := binary.LittleEndian.Uint32(cmd.Data[0:4])
		size := binary.LittleEndian.Uint32(cmd.Data[4:8])
		if uint64(offset)+uint64(size) > uint64(len(f.flash)) {
			return &transport.Response{Result: ecproto.ResInvalidParam}, nil
		}
		for i := offset; i < offset+size; i++ {
			f.flash[i] = 0xff
		}
		return okResp(nil)

	case ecproto.CmdFlashWrite:
		offset := binary.LittleEndian.Uint32(cmd.Data[0:4])
		size := binary.LittleEndian.Uint32(cmd.Data[4:8])
		if uint64(offset)+uint64(size) > uint64(len(f.flash)) || int(size) != len(cmd.Data)-8 {
			return &transport.Response{Result: ecproto.ResInvalidParam}, nil
		}
		copy(f.flash[offset:], cmd.Data[8:])
		return okResp(nil)

	case ecproto.CmdRebootEC:
		sub, fl := cmd.Data[0], cmd.Data[1]
		f.reboots = append(f.reboots, [2]uint8{sub, fl})
		switch sub {
		case ecproto.RebootJumpRO, ecproto.RebootJumpRW:
			if f.failJumps > 0 {
				f.failJumps--
				return &transport.Response{Result: ecproto.ResError}, nil
			}
			if sub == ecproto.RebootJumpRO {
				f.running = ecproto.ImageRO
			} else {
				f.running = ecproto.ImageRW
			}
		}
		return okResp(nil)

	case ecproto.CmdFlashProtect:
		mask := binary.LittleEndian.Uint32(cmd.Data[0:4])
		flags := binary.LittleEndian.Uint32(cmd.Data[4:8])
		f.wpFlags = f.wpFlags&^mask | flags&mask
		if f.wpNoRoNow {
			f.wpFlags &^= ecproto.FlashProtectRoNow
		}
		if f.wpGpio {
			f.wpFlags |= ecproto.FlashProtectGpioAsserted | ecproto.FlashProtectRoNow
		}
		b := make([]byte, 12)
		binary.LittleEndian.PutUint32(b[0:4], f.wpFlags)
		binary.LittleEndian.PutUint32(b[4:8], 0x7f)
		binary.LittleEndian.PutUint32(b[8:12], 0x7f)
		return okResp(b)

	case ecproto.CmdFlashRegionInfo:
		if binary.LittleEndian.Uint32(cmd.Data) != ecproto.FlashRegionWPRO {
			return &transport.Response{Result: ecproto.ResInvalidParam}, nil
		}
		return okResp(ecproto.EncodeOffsetSize(f.wpRO[0], f.wpRO[1]))
	}
	return &transport.Response{Result: ecproto.ResInvalidCommand}, nil
}

var _ transport.Transport = (*fakeEC)(nil)
