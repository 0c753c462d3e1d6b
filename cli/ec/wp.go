package ec

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mcu-tools/ecflash/common/ecproto"
	"github.com/mcu-tools/ecflash/common/ourutil"
)

// WriteProtectState is the EC's protection status as seen by the caller.
type WriteProtectState struct {
	Offset  uint32
	Size    uint32
	Enabled bool

	// Raw EC flags, for diagnostics.
	Flags         uint32
	ValidFlags    uint32
	WritableFlags uint32
}

// WPController drives the EC's flash write protection. The EC's model is a
// single persistent at-boot bit plus an immediate-effect bit over one
// EC-chosen range (its RO region); the controller maps the generic
// enable/disable/set-range surface onto that.
type WPController struct {
	conn *Conn

	// Set when protection could only be made effective with the broad
	// all-now fallback: a cold reset at next shutdown is then needed for
	// the intended narrower protection to take over.
	resetScheduled bool
}

// NewWPController makes a controller sharing the session's dispatcher.
func NewWPController(conn *Conn) *WPController {
	return &WPController{conn: conn}
}

func (w *WPController) protect(ctx context.Context, mask, flags uint32) (*ecproto.FlashProtectResponse, error) {
	raw, err := w.conn.Run(ctx, ecproto.CmdFlashProtect, 1,
		ecproto.EncodeFlashProtectParams(mask, flags), 12)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := ecproto.DecodeFlashProtect(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(2).Infof("flash protect: flags 0x%x, valid 0x%x, writable 0x%x",
		resp.Flags, resp.ValidFlags, resp.WritableFlags)
	return resp, nil
}

// protectedRange returns the one range this EC can protect.
func (w *WPController) protectedRange(ctx context.Context) (offset, size uint32, err error) {
	raw, err := w.conn.Run(ctx, ecproto.CmdFlashRegionInfo, 1,
		ecproto.EncodeRegionInfoParams(ecproto.FlashRegionWPRO), 8)
	if err != nil {
		return 0, 0, errors.Annotatef(err, "failed to query the protectable region")
	}
	return ecproto.DecodeRegionInfo(raw)
}

// Status reads the current protection state.
func (w *WPController) Status(ctx context.Context) (*WriteProtectState, error) {
	resp, err := w.protect(ctx, 0, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st := &WriteProtectState{
		Enabled:       resp.Flags&(ecproto.FlashProtectRoNow|ecproto.FlashProtectAllNow) != 0,
		Flags:         resp.Flags,
		ValidFlags:    resp.ValidFlags,
		WritableFlags: resp.WritableFlags,
	}
	if st.Offset, st.Size, err = w.protectedRange(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	if resp.Flags&(ecproto.FlashProtectErrorStuck|ecproto.FlashProtectErrorInconsistent) != 0 {
		ourutil.Reportf("Warning: EC reports inconsistent protection state (flags 0x%x)", resp.Flags)
	}
	return st, nil
}

// SetRange selects the range to protect. The EC offers exactly one range,
// so the argument must be either that range (protect at boot) or zero
// (do not protect); anything else is rejected with an
// UnsupportedRangeError.
func (w *WPController) SetRange(ctx context.Context, offset, size uint32) error {
	if offset == 0 && size == 0 {
		_, err := w.protect(ctx, ecproto.FlashProtectRoAtBoot, 0)
		return errors.Trace(err)
	}
	roOffset, roSize, err := w.protectedRange(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if offset != roOffset || size != roSize {
		return &UnsupportedRangeError{Offset: offset, Size: size}
	}
	_, err = w.protect(ctx, ecproto.FlashProtectRoAtBoot, ecproto.FlashProtectRoAtBoot)
	return errors.Trace(err)
}

// Enable turns protection on: the persistent at-boot bit plus the
// immediate bit. Some ECs cannot protect just the RO region while running;
// for those the broad all-now protection is applied instead and a cold
// reset is scheduled for the next shutdown, after which the narrower
// intended protection is in effect.
func (w *WPController) Enable(ctx context.Context) error {
	mask := ecproto.FlashProtectRoAtBoot | ecproto.FlashProtectRoNow
	resp, err := w.protect(ctx, mask, mask)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Flags&ecproto.FlashProtectRoNow != 0 {
		return nil
	}
	ourutil.Reportf("EC cannot protect only its RO region now, protecting everything instead")
	resp, err = w.protect(ctx, ecproto.FlashProtectAllNow, ecproto.FlashProtectAllNow)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Flags&ecproto.FlashProtectAllNow == 0 {
		return errors.Errorf("write protection did not take effect (flags 0x%x)", resp.Flags)
	}
	if err := w.scheduleColdReset(ctx); err != nil {
		return errors.Annotatef(err, "failed to schedule the reset that narrows protection")
	}
	return nil
}

// Disable turns all protection off and verifies it is really off, which
// can fail when the hardware write-protect line is asserted.
func (w *WPController) Disable(ctx context.Context) error {
	mask := ecproto.FlashProtectRoAtBoot | ecproto.FlashProtectRoNow | ecproto.FlashProtectAllNow
	resp, err := w.protect(ctx, mask, 0)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Flags&(ecproto.FlashProtectRoNow|ecproto.FlashProtectAllNow) != 0 {
		if resp.Flags&ecproto.FlashProtectGpioAsserted != 0 {
			return errors.Errorf("cannot disable protection while the write-protect pin is asserted")
		}
		return errors.Errorf("write protection is still on (flags 0x%x)", resp.Flags)
	}
	return nil
}

// ResetScheduled reports whether Enable had to fall back to the broad
// protection and queued a cold reset at shutdown.
func (w *WPController) ResetScheduled() bool { return w.resetScheduled }

func (w *WPController) scheduleColdReset(ctx context.Context) error {
	_, err := w.conn.Run(ctx, ecproto.CmdRebootEC, 0,
		ecproto.EncodeRebootParams(ecproto.RebootCold, ecproto.RebootFlagOnAPShutdown), 0)
	if err != nil {
		return errors.Trace(err)
	}
	w.resetScheduled = true
	ourutil.Reportf("EC will cold-reset at next shutdown to apply the intended protection")
	return nil
}
