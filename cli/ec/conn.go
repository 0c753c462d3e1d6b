// Package ec drives a firmware update of an embedded controller over its
// host-command interface: one dispatcher for all commands, a flash update
// session that keeps erase/write away from the image the EC is executing,
// and a write-protect controller.
package ec

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mcu-tools/ecflash/cli/ec/transport"
	"github.com/mcu-tools/ecflash/common/ecproto"
)

const (
	// Budget for waiting out an IN_PROGRESS command: tens of short polls,
	// then give up. Result codes other than IN_PROGRESS are never retried.
	busyPollRetries  = 50
	busyPollInterval = 10 * time.Millisecond
)

var errStillProcessing = errors.New("still processing")

// Conn issues host commands over one open transport. At most one command is
// in flight at a time; callers must not pipeline.
type Conn struct {
	t        transport.Transport
	devIndex int
}

// NewConn wraps an open transport. devIndex selects the logical EC on
// systems that multiplex several behind one interface; 0 is the EC itself.
func NewConn(t transport.Transport, devIndex int) (*Conn, error) {
	if devIndex < 0 || devIndex > ecproto.MaxDevIndex {
		return nil, errors.Errorf("device index %d out of range 0..%d", devIndex, ecproto.MaxDevIndex)
	}
	return &Conn{t: t, devIndex: devIndex}, nil
}

// MaxDataSize returns the largest request payload one command can carry.
func (c *Conn) MaxDataSize() int { return c.t.MaxDataSize() }

// Proto returns the negotiated wire format.
func (c *Conn) Proto() ecproto.ProtoVersion { return c.t.Proto() }

// Run sends one host command and waits for its completion, polling out the
// asynchronous IN_PROGRESS state. A nonzero EC result code is returned as an
// *ecproto.ECError without retrying.
func (c *Conn) Run(ctx context.Context, op uint16, version uint8, req []byte, respSize int) ([]byte, error) {
	resp, err := c.runOnce(ctx, op, version, req, respSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.Result == ecproto.ResInProgress {
		return c.waitCompletion(ctx, op, respSize)
	}
	if resp.Result != ecproto.ResSuccess {
		return nil, ecproto.NewECError(op, resp.Result)
	}
	return resp.Data, nil
}

func (c *Conn) runOnce(ctx context.Context, op uint16, version uint8, req []byte, respSize int) (*transport.Response, error) {
	cmd := &ecproto.Command{
		Op:       ecproto.PassthruCmd(op, c.devIndex),
		Version:  version,
		Data:     req,
		RespSize: respSize,
	}
	resp, err := c.t.SendReceive(ctx, cmd)
	if err != nil {
		return nil, errors.Annotatef(err, "command 0x%04x failed", cmd.Op)
	}
	return resp, nil
}

// waitCompletion polls the comms status command until the EC reports the
// previous command done, then fetches its deferred response.
func (c *Conn) waitCompletion(ctx context.Context, op uint16, respSize int) ([]byte, error) {
	glog.V(2).Infof("command 0x%04x in progress, polling for completion", op)
	attempt := 0
	poll := func() error {
		attempt++
		resp, err := c.runOnce(ctx, ecproto.CmdGetCommsStatus, 0, nil, 4)
		if err != nil {
			return backoff.Permanent(errors.Trace(err))
		}
		if resp.Result != ecproto.ResSuccess {
			return backoff.Permanent(ecproto.NewECError(ecproto.CmdGetCommsStatus, resp.Result))
		}
		flags, err := ecproto.DecodeCommsStatus(resp.Data)
		if err != nil {
			return backoff.Permanent(errors.Trace(err))
		}
		if flags&ecproto.CommsStatusProcessing != 0 {
			return errStillProcessing
		}
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(busyPollInterval), busyPollRetries), ctx)
	if err := backoff.Retry(poll, bo); err != nil {
		if err == errStillProcessing {
			return nil, errors.Timeoutf("command 0x%04x still busy after %d polls", op, attempt)
		}
		return nil, errors.Trace(err)
	}
	glog.V(2).Infof("command 0x%04x completed after %d polls", op, attempt)

	if respSize == 0 {
		return nil, nil
	}
	resp, err := c.runOnce(ctx, ecproto.CmdResendResponse, 0, nil, respSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.Result != ecproto.ResSuccess {
		return nil, ecproto.NewECError(op, resp.Result)
	}
	return resp.Data, nil
}
