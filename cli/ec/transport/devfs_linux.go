package transport

import (
	"context"
	"encoding/binary"
	"os"
	"unsafe"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/mcu-tools/ecflash/common/ecproto"
)

// The kernel EC driver's command ioctl. The argument is a 20-byte header
// {version, command, outsize, insize, result} (u32 each, host order)
// followed by the larger of the two payloads. The return value is the
// response size; EAGAIN means the command was accepted and is still being
// processed.
const (
	devCmdHdrSize = 20
	devIocXCmd    = 0xC014EC00 // _IOWR(0xEC, 0, struct cros_ec_command_v2)

	devMaxDataFallback = maxParamSize
)

// devTransport submits commands through the kernel-owned device node. The
// kernel does the wire framing itself, so there is no codec work here; the
// negotiated protocol is whatever the kernel driver speaks (v3 on anything
// recent).
type devTransport struct {
	f       *os.File
	maxData int
}

func openDev(ctx context.Context, p *Params) (Transport, error) {
	f, err := os.OpenFile(p.DevPath, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notPresentf("%s does not exist", p.DevPath)
		}
		return nil, errors.Annotatef(err, "failed to open %s", p.DevPath)
	}
	t := &devTransport{f: f, maxData: devMaxDataFallback}

	probeCtx, cancel := context.WithTimeout(ctx, p.ProbeTimeout)
	err = checkHello(probeCtx, t, 0xa0b0c0d0)
	cancel()
	if err != nil {
		f.Close()
		return nil, notPresentf("hello probe failed: %s", err)
	}

	// Learn the real per-command payload limit if the EC can tell us.
	cmd := &ecproto.Command{Op: ecproto.CmdGetProtocolInfo, RespSize: 12}
	if resp, err := t.SendReceive(ctx, cmd); err == nil && resp.Result == ecproto.ResSuccess {
		if pi, err := ecproto.DecodeProtocolInfo(resp.Data); err == nil {
			t.maxData = int(pi.MaxRequestSize) - ecproto.V3RequestHdrSize
			glog.V(1).Infof("EC dev protocol info: versions 0x%x, max req %d, max resp %d",
				pi.ProtocolVersions, pi.MaxRequestSize, pi.MaxResponseSize)
		}
	}
	return t, nil
}

func (t *devTransport) Proto() ecproto.ProtoVersion { return ecproto.ProtoV3 }

func (t *devTransport) MaxDataSize() int { return t.maxData }

func (t *devTransport) Close() error { return t.f.Close() }

func (t *devTransport) SendReceive(ctx context.Context, cmd *ecproto.Command) (*Response, error) {
	bufLen := len(cmd.Data)
	if cmd.RespSize > bufLen {
		bufLen = cmd.RespSize
	}
	buf := make([]byte, devCmdHdrSize+bufLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd.Version))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(cmd.Op))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(cmd.Data)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(cmd.RespSize))
	copy(buf[devCmdHdrSize:], cmd.Data)

	glog.V(3).Infof("=> dev cmd 0x%04x.%d %s", cmd.Op, cmd.Version, limitDump(cmd.Data))

	var n uintptr
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), devIocXCmd, uintptr(unsafe.Pointer(&buf[0])))
		if errno == unix.EINTR {
			continue
		}
		if errno == unix.EAGAIN {
			// Command accepted, still processing: the dispatcher polls
			// the comms status command for completion.
			return &Response{Result: ecproto.ResInProgress}, nil
		}
		if errno != 0 {
			return nil, errors.Annotatef(errno, "EC ioctl failed (command 0x%04x)", cmd.Op)
		}
		n = r
		break
	}

	res := ecproto.Result(binary.LittleEndian.Uint32(buf[16:20]))
	if res != ecproto.ResSuccess {
		return &Response{Result: res}, nil
	}
	if int(n) > cmd.RespSize {
		n = uintptr(cmd.RespSize)
	}
	data := make([]byte, n)
	copy(data, buf[devCmdHdrSize:devCmdHdrSize+n])
	glog.V(3).Infof("<= dev cmd 0x%04x res %d %s", cmd.Op, res, limitDump(data))
	return &Response{Result: res, Data: data}, nil
}
