package transport

import (
	"context"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/mcu-tools/ecflash/common/ecproto"
)

// I2C framing of host commands. Request and response travel as separate
// addressed transactions on the shared bus:
//
//	out: version_tag(0xDC+cmd_version), command, data_len, payload..., csum
//	in:  result, data_len, payload..., csum
//
// where csum is the byte sum of everything that precedes it. "Still
// processing" is signaled by an IN_PROGRESS result, like the dev transport.
const (
	i2cSlaveIoctl = 0x0703 // I2C_SLAVE

	i2cVersionTag   = 0xDC
	i2cReqOverhead  = 4 // version tag, command, length, checksum
	i2cRespOverhead = 3 // result, length, checksum
	i2cMaxData      = 0x80
)

type i2cTransport struct {
	f    *os.File
	addr int
}

func openI2C(ctx context.Context, p *Params) (Transport, error) {
	path := fmt.Sprintf("/dev/i2c-%d", p.I2CBus)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notPresentf("%s does not exist", path)
		}
		return nil, errors.Annotatef(err, "failed to open %s", path)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), i2cSlaveIoctl, uintptr(p.I2CAddr)); errno != 0 {
		f.Close()
		return nil, errors.Annotatef(errno, "failed to set I2C slave address 0x%02x", p.I2CAddr)
	}
	t := &i2cTransport{f: f, addr: p.I2CAddr}

	probeCtx, cancel := context.WithTimeout(ctx, p.ProbeTimeout)
	err = checkHello(probeCtx, t, 0xa0b0c0d0)
	cancel()
	if err != nil {
		f.Close()
		return nil, notPresentf("hello probe failed on %s addr 0x%02x: %s", path, p.I2CAddr, err)
	}
	glog.V(1).Infof("I2C EC detected on %s, addr 0x%02x", path, p.I2CAddr)
	return t, nil
}

func (t *i2cTransport) Proto() ecproto.ProtoVersion { return ecproto.ProtoV1 }

func (t *i2cTransport) MaxDataSize() int { return i2cMaxData }

func (t *i2cTransport) Close() error { return t.f.Close() }

func (t *i2cTransport) SendReceive(ctx context.Context, cmd *ecproto.Command) (*Response, error) {
	if cmd.Op > 0xff {
		return nil, errors.Errorf("opcode 0x%x does not fit the I2C command byte", cmd.Op)
	}
	if len(cmd.Data) > i2cMaxData {
		return nil, errors.Errorf("request too long for I2C: %d", len(cmd.Data))
	}

	out := make([]byte, 0, i2cReqOverhead+len(cmd.Data))
	out = append(out, i2cVersionTag+cmd.Version, uint8(cmd.Op), uint8(len(cmd.Data)))
	out = append(out, cmd.Data...)
	var csum uint8
	for _, b := range out {
		csum += b
	}
	out = append(out, csum)

	glog.V(3).Infof("=> i2c cmd 0x%02x.%d %s", cmd.Op, cmd.Version, limitDump(cmd.Data))
	if _, err := t.f.Write(out); err != nil {
		return nil, errors.Annotatef(err, "I2C write failed (command 0x%02x)", cmd.Op)
	}

	in := make([]byte, i2cRespOverhead+cmd.RespSize)
	n, err := t.f.Read(in)
	if err != nil {
		return nil, errors.Annotatef(err, "I2C read failed (command 0x%02x)", cmd.Op)
	}
	if n < i2cRespOverhead {
		return nil, errors.Errorf("short I2C response: %d bytes", n)
	}
	in = in[:n]

	res := ecproto.Result(in[0])
	if res != ecproto.ResSuccess {
		return &Response{Result: res}, nil
	}
	dataLen := int(in[1])
	if dataLen > cmd.RespSize || 2+dataLen+1 > len(in) {
		return nil, errors.Errorf("I2C response length %d out of bounds", dataLen)
	}
	csum = 0
	for _, b := range in[:2+dataLen] {
		csum += b
	}
	if csum != in[2+dataLen] {
		return nil, ecproto.NewProtocolError(ecproto.InvalidChecksum, "I2C response checksum mismatch: got 0x%02x, want 0x%02x", in[2+dataLen], csum)
	}
	data := make([]byte, dataLen)
	copy(data, in[2:2+dataLen])
	glog.V(3).Infof("<= i2c cmd 0x%02x res %d %s", cmd.Op, res, limitDump(data))
	return &Response{Result: res, Data: data}, nil
}
