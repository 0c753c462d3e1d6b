// Package transport moves one host-command request/response pair between
// the tool and the EC. Four physical channels are supported: the
// register-polled LPC bus, its packetized protocol-v3 variant, the
// kernel-owned /dev device, and the I2C bus. Exactly one transport is
// active per session, selected at detection time.
package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/errors"

	"github.com/mcu-tools/ecflash/common/ecproto"
	"github.com/mcu-tools/ecflash/common/ourutil"
)

// Response is what the EC handed back: its result code plus the decoded
// payload. A Result of ecproto.ResInProgress means the command was accepted
// but is still being processed; the dispatcher polls for completion.
type Response struct {
	Result ecproto.Result
	Data   []byte
}

// Transport is one open channel to the EC. Implementations are not safe for
// concurrent use; the dispatcher enforces a single in-flight command.
type Transport interface {
	// SendReceive encodes cmd per the transport's negotiated protocol
	// version, moves it to the EC and returns the response. It may block
	// the calling thread for up to the command timeout.
	SendReceive(ctx context.Context, cmd *ecproto.Command) (*Response, error)
	// Proto returns the wire format negotiated at open time.
	Proto() ecproto.ProtoVersion
	// MaxDataSize returns the largest request payload this transport can
	// carry in one command.
	MaxDataSize() int
	Close() error
}

// Params selects and configures a transport.
type Params struct {
	Kind string `yaml:"kind"` // "lpc", "dev" or "i2c"

	DevPath  string `yaml:"dev_path"`
	PortPath string `yaml:"port_path"` // x86 port I/O device, for tests
	I2CBus   int    `yaml:"i2c_bus"`
	I2CAddr  int    `yaml:"i2c_addr"`

	// CmdTimeout bounds a single command; ProbeTimeout is the much shorter
	// budget used while probing so a machine without an EC does not stall
	// the whole tool.
	CmdTimeout   time.Duration `yaml:"cmd_timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

const (
	KindLPC = "lpc"
	KindDev = "dev"
	KindI2C = "i2c"

	DefaultDevPath  = "/dev/cros_ec"
	DefaultPortPath = "/dev/port"
	DefaultI2CAddr  = 0x1e

	DefaultCmdTimeout   = 1 * time.Second
	DefaultProbeTimeout = 25 * time.Millisecond
)

func (p *Params) withDefaults() *Params {
	q := *p
	if q.Kind == "" {
		q.Kind = KindLPC
	}
	if q.DevPath == "" {
		q.DevPath = DefaultDevPath
	}
	if q.PortPath == "" {
		q.PortPath = DefaultPortPath
	}
	if q.I2CAddr == 0 {
		q.I2CAddr = DefaultI2CAddr
	}
	if q.CmdTimeout == 0 {
		q.CmdTimeout = DefaultCmdTimeout
	}
	if q.ProbeTimeout == 0 {
		q.ProbeTimeout = DefaultProbeTimeout
	}
	return &q
}

// NotPresentError distinguishes "no EC answered the liveness probe" from a
// real I/O failure: the former is an expected outcome on machines without
// an EC and is not fatal to the caller.
type NotPresentError struct {
	msg string
}

func (e *NotPresentError) Error() string { return e.msg }

func notPresentf(f string, args ...interface{}) error {
	return &NotPresentError{msg: "EC not present: " + errors.Errorf(f, args...).Error()}
}

// IsNotPresent reports whether err means the EC did not answer the probe.
func IsNotPresent(err error) bool {
	_, ok := errors.Cause(err).(*NotPresentError)
	return ok
}

// Open probes for the EC over the channel selected by params and returns
// the negotiated transport. The probe runs under params.ProbeTimeout.
func Open(ctx context.Context, params *Params) (Transport, error) {
	p := params.withDefaults()
	switch p.Kind {
	case KindLPC:
		return openLPC(ctx, p)
	case KindDev:
		return openDev(ctx, p)
	case KindI2C:
		return openI2C(ctx, p)
	default:
		return nil, errors.Errorf("unknown transport %q", p.Kind)
	}
}

// pollUntil runs probe at the given interval until it succeeds or the
// budget elapses. This is the single bounded-wait primitive shared by the
// register-polled transports.
func pollUntil(ctx context.Context, budget, interval time.Duration, probe func() error) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	bo := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.Retry(probe, bo); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func limitDump(b []byte) string {
	return ourutil.LimitStr(b, 32)
}

// checkHello validates a hello exchange on an already-open transport. The
// response must be the probe pattern advanced by the magic constant, so a
// bus that merely echoes writes does not pass for a live EC.
func checkHello(ctx context.Context, t Transport, in uint32) error {
	cmd := &ecproto.Command{
		Op:       ecproto.CmdHello,
		Data:     ecproto.EncodeHelloParams(in),
		RespSize: 4,
	}
	resp, err := t.SendReceive(ctx, cmd)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Result != ecproto.ResSuccess {
		return ecproto.NewECError(cmd.Op, resp.Result)
	}
	out, err := ecproto.DecodeHelloResponse(resp.Data)
	if err != nil {
		return errors.Trace(err)
	}
	if want := in + ecproto.HelloMagic; out != want {
		return errors.Errorf("bad hello response: got 0x%08x, want 0x%08x", out, want)
	}
	return nil
}
