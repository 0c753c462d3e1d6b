package transport

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mcu-tools/ecflash/common/ecproto"
)

// LPC register map of the EC host interface.
const (
	addrHostData uint16 = 0x200 // result code
	addrHostCmd  uint16 = 0x204 // command on write, status on read

	addrHostArgs  uint16 = 0x800 // protocol v1 arguments header
	addrHostParam uint16 = 0x804
	maxParamSize         = 0xFC

	addrOldParam uint16 = 0x880 // protocol v0 parameter window
	oldParamSize        = 0x80

	addrHostPacket uint16 = 0x800 // protocol v3 packet window
	hostPacketSize        = 0x100

	addrMemmap         uint16 = 0x900
	memmapID                  = 0x20 // 'E', 'C'
	memmapHostCmdFlags        = 0x27

	hostCmdFlagArgsSupported uint8 = 0x01
	hostCmdFlagVersion3      uint8 = 0x02

	statusFromHost   uint8 = 0x02
	statusProcessing uint8 = 0x04
	statusBusyMask         = statusFromHost | statusProcessing

	// Written to the command register to kick protocol v3 packet
	// processing.
	cmdPacketProtocol3 uint8 = 0xDA

	busyPollInterval = time.Millisecond
)

// portIO does x86 port I/O through the kernel's port device, where the file
// offset is the port number.
type portIO struct {
	f *os.File
}

func openPortIO(path string) (*portIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open %s", path)
	}
	return &portIO{f: f}, nil
}

func (p *portIO) inb(port uint16) (uint8, error) {
	var b [1]byte
	if _, err := p.f.ReadAt(b[:], int64(port)); err != nil {
		return 0, errors.Annotatef(err, "inb 0x%x", port)
	}
	return b[0], nil
}

func (p *portIO) outb(port uint16, v uint8) error {
	if _, err := p.f.WriteAt([]byte{v}, int64(port)); err != nil {
		return errors.Annotatef(err, "outb 0x%x", port)
	}
	return nil
}

// The EC's window registers are individually addressed, one byte per port.
func (p *portIO) readRange(port uint16, b []byte) error {
	for i := range b {
		v, err := p.inb(port + uint16(i))
		if err != nil {
			return errors.Trace(err)
		}
		b[i] = v
	}
	return nil
}

func (p *portIO) writeRange(port uint16, b []byte) error {
	for i, v := range b {
		if err := p.outb(port+uint16(i), v); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (p *portIO) close() error {
	return p.f.Close()
}

// lpcTransport is the register-polled LPC channel, speaking protocol v0 or
// v1 depending on what the EC advertised.
type lpcTransport struct {
	io         *portIO
	proto      ecproto.ProtoVersion
	cmdTimeout time.Duration
}

// lpcPacketTransport is the packetized variant of the same bus, used when
// the EC advertises protocol v3.
type lpcPacketTransport struct {
	io         *portIO
	cmdTimeout time.Duration
}

func openLPC(ctx context.Context, p *Params) (Transport, error) {
	io, err := openPortIO(p.PortPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ok := false
	defer func() {
		if !ok {
			io.close()
		}
	}()

	var id [2]byte
	if err := io.readRange(addrMemmap+memmapID, id[:]); err != nil {
		return nil, errors.Trace(err)
	}
	if id[0] != 'E' || id[1] != 'C' {
		return nil, notPresentf("memmap ID reads %02x %02x", id[0], id[1])
	}

	flags, err := io.inb(addrMemmap + memmapHostCmdFlags)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Probe with the short timeout so that a hung EC is detected quickly.
	var t Transport
	switch {
	case flags&hostCmdFlagVersion3 != 0:
		t = &lpcPacketTransport{io: io, cmdTimeout: p.ProbeTimeout}
	case flags&hostCmdFlagArgsSupported != 0:
		t = &lpcTransport{io: io, proto: ecproto.ProtoV1, cmdTimeout: p.ProbeTimeout}
	default:
		t = &lpcTransport{io: io, proto: ecproto.ProtoV0, cmdTimeout: p.ProbeTimeout}
	}
	if err := checkHello(ctx, t, 0xa0b0c0d0); err != nil {
		return nil, notPresentf("hello probe failed: %s", err)
	}
	switch tt := t.(type) {
	case *lpcTransport:
		tt.cmdTimeout = p.CmdTimeout
	case *lpcPacketTransport:
		tt.cmdTimeout = p.CmdTimeout
	}
	glog.V(1).Infof("LPC EC detected, host command flags 0x%02x, %s", flags, t.Proto())
	ok = true
	return t, nil
}

// waitReady polls the status register until the EC is no longer busy.
func waitReady(ctx context.Context, io *portIO, budget time.Duration) error {
	err := pollUntil(ctx, budget, busyPollInterval, func() error {
		st, err := io.inb(addrHostCmd)
		if err != nil {
			return backoff.Permanent(errors.Trace(err))
		}
		if st&statusBusyMask != 0 {
			return errors.Errorf("EC is busy (status 0x%02x)", st)
		}
		return nil
	})
	return errors.Trace(err)
}

func (t *lpcTransport) Proto() ecproto.ProtoVersion { return t.proto }

func (t *lpcTransport) MaxDataSize() int {
	if t.proto == ecproto.ProtoV0 {
		return oldParamSize
	}
	return maxParamSize
}

func (t *lpcTransport) Close() error { return t.io.close() }

func (t *lpcTransport) SendReceive(ctx context.Context, cmd *ecproto.Command) (*Response, error) {
	if cmd.Op > 0xff {
		return nil, errors.Errorf("opcode 0x%x does not fit the 8-bit command register", cmd.Op)
	}
	raw, err := ecproto.EncodeRequest(t.proto, cmd)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := waitReady(ctx, t.io, t.cmdTimeout); err != nil {
		return nil, errors.Annotatef(err, "EC not ready for command 0x%02x", cmd.Op)
	}

	glog.V(3).Infof("=> %s cmd 0x%02x.%d %s", t.proto, cmd.Op, cmd.Version, limitDump(cmd.Data))
	if t.proto == ecproto.ProtoV0 {
		if err := t.io.writeRange(addrOldParam, raw); err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		if err := t.io.writeRange(addrHostParam, raw[ecproto.V1HeaderSize:]); err != nil {
			return nil, errors.Trace(err)
		}
		if err := t.io.writeRange(addrHostArgs, raw[:ecproto.V1HeaderSize]); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := t.io.outb(addrHostCmd, uint8(cmd.Op)); err != nil {
		return nil, errors.Trace(err)
	}
	if err := waitReady(ctx, t.io, t.cmdTimeout); err != nil {
		return nil, errors.Annotatef(err, "command 0x%02x did not complete", cmd.Op)
	}

	res, err := t.io.inb(addrHostData)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if ecproto.Result(res) != ecproto.ResSuccess {
		return &Response{Result: ecproto.Result(res)}, nil
	}

	var win []byte
	if t.proto == ecproto.ProtoV0 {
		win = make([]byte, cmd.RespSize)
		if err := t.io.readRange(addrOldParam, win); err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		hdr := make([]byte, ecproto.V1HeaderSize)
		if err := t.io.readRange(addrHostArgs, hdr); err != nil {
			return nil, errors.Trace(err)
		}
		n := int(hdr[2])
		if n > maxParamSize {
			n = maxParamSize
		}
		data := make([]byte, n)
		if err := t.io.readRange(addrHostParam, data); err != nil {
			return nil, errors.Trace(err)
		}
		win = append(hdr, data...)
	}
	_, data, err := ecproto.DecodeResponse(t.proto, cmd, win, cmd.RespSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(3).Infof("<= %s cmd 0x%02x res %d %s", t.proto, cmd.Op, res, limitDump(data))
	return &Response{Result: ecproto.ResSuccess, Data: data}, nil
}

func (t *lpcPacketTransport) Proto() ecproto.ProtoVersion { return ecproto.ProtoV3 }

func (t *lpcPacketTransport) MaxDataSize() int {
	return hostPacketSize - ecproto.V3RequestHdrSize
}

func (t *lpcPacketTransport) Close() error { return t.io.close() }

func (t *lpcPacketTransport) SendReceive(ctx context.Context, cmd *ecproto.Command) (*Response, error) {
	raw, err := ecproto.EncodeRequest(ecproto.ProtoV3, cmd)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(raw) > hostPacketSize {
		return nil, errors.Errorf("request packet too big: %d > %d", len(raw), hostPacketSize)
	}
	if err := waitReady(ctx, t.io, t.cmdTimeout); err != nil {
		return nil, errors.Annotatef(err, "EC not ready for command 0x%04x", cmd.Op)
	}

	glog.V(3).Infof("=> %s cmd 0x%04x.%d %s", ecproto.ProtoV3, cmd.Op, cmd.Version, limitDump(cmd.Data))
	if err := t.io.writeRange(addrHostPacket, raw); err != nil {
		return nil, errors.Trace(err)
	}
	if err := t.io.outb(addrHostCmd, cmdPacketProtocol3); err != nil {
		return nil, errors.Trace(err)
	}
	if err := waitReady(ctx, t.io, t.cmdTimeout); err != nil {
		return nil, errors.Annotatef(err, "command 0x%04x did not complete", cmd.Op)
	}

	// Read back the header first to learn the payload size, then the rest.
	pkt := make([]byte, hostPacketSize)
	if err := t.io.readRange(addrHostPacket, pkt[:ecproto.V3ResponseHdrSize]); err != nil {
		return nil, errors.Trace(err)
	}
	dataLen := int(pkt[4]) | int(pkt[5])<<8
	if dataLen > hostPacketSize-ecproto.V3ResponseHdrSize {
		dataLen = hostPacketSize - ecproto.V3ResponseHdrSize
	}
	if err := t.io.readRange(addrHostPacket+uint16(ecproto.V3ResponseHdrSize), pkt[ecproto.V3ResponseHdrSize:ecproto.V3ResponseHdrSize+dataLen]); err != nil {
		return nil, errors.Trace(err)
	}
	res, data, err := ecproto.DecodeResponse(ecproto.ProtoV3, cmd, pkt[:ecproto.V3ResponseHdrSize+dataLen], cmd.RespSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(3).Infof("<= %s cmd 0x%04x res %d %s", ecproto.ProtoV3, cmd.Op, res, limitDump(data))
	return &Response{Result: res, Data: data}, nil
}
