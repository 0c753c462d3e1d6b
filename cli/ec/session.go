package ec

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mcu-tools/ecflash/cli/ec/transport"
	"github.com/mcu-tools/ecflash/common/ecproto"
	"github.com/mcu-tools/ecflash/common/multierror"
	"github.com/mcu-tools/ecflash/common/ourutil"
)

const (
	DefaultROAreaName = "EC_RO"
	DefaultRWAreaName = "EC_RW"

	DefaultLockTimeout = 10 * time.Second

	flashParamsOverhead = 8 // offset + size prefix on read/write/erase
)

// How long to wait after a reboot command before talking to the EC again.
// Sysjumps are fast; this is deliberately generous.
var jumpSettleDelay = 500 * time.Millisecond

// Options configures a Session.
type Options struct {
	Transport *transport.Params
	DevIndex  int

	// PreferRW makes Finalize leave the EC running the freshly written RW
	// image instead of RO.
	PreferRW bool

	// Lock is the advisory inter-process lock; nil disables locking
	// (tests only).
	Lock        AdvisoryLock
	LockTimeout time.Duration

	// Mapper locates the RO/RW copies inside the image to be written.
	// Defaults to the embedded fmap.
	Mapper     AreaMapper
	ROAreaName string
	RWAreaName string
}

func (o *Options) mapper() AreaMapper {
	if o.Mapper != nil {
		return o.Mapper
	}
	return FmapMapper{}
}

func (o *Options) areaName(im ecproto.Image) string {
	switch im {
	case ecproto.ImageRO:
		if o.ROAreaName != "" {
			return o.ROAreaName
		}
		return DefaultROAreaName
	case ecproto.ImageRW:
		if o.RWAreaName != "" {
			return o.RWAreaName
		}
		return DefaultRWAreaName
	}
	return ""
}

// Region is one firmware copy's flash range plus its freshness relative to
// the image being written: a Fresh region already holds the new bytes.
type Region struct {
	Image  ecproto.Image
	Offset uint32
	Size   uint32

	fresh bool
}

// Fresh reports whether the whole region has been rewritten with the new
// image since it was last invalidated.
func (r *Region) Fresh() bool { return r.fresh }

// The ends are computed in uint64: a range reaching the top of the 32-bit
// address space must not wrap around and slip past the running-image check.
func (r *Region) overlaps(offset, size uint32) bool {
	return uint64(offset) < uint64(r.Offset)+uint64(r.Size) &&
		uint64(offset)+uint64(size) > uint64(r.Offset)
}

// Session owns one firmware update run against the EC: the transport, the
// region map and the pass bookkeeping. It is single-threaded; operations
// run strictly in call order.
type Session struct {
	conn *Conn
	t    transport.Transport
	lock AdvisoryLock
	opts Options

	flash   *ecproto.FlashInfo
	running ecproto.Image
	regions map[ecproto.Image]*Region

	needsSecondPass bool
	prepared        bool
	finalized       bool
}

// NewSession acquires the advisory lock, probes for the EC over the
// configured transport and reads its identity. The transport is owned by
// the session until Close.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.Lock != nil {
		timeout := opts.LockTimeout
		if timeout == 0 {
			timeout = DefaultLockTimeout
		}
		st, err := opts.Lock.Acquire(timeout)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to acquire the EC lock")
		}
		if st == LockFailed {
			return nil, errors.Errorf("the EC is in use by another process")
		}
	}
	t, err := transport.Open(ctx, opts.Transport)
	if err != nil {
		if opts.Lock != nil {
			opts.Lock.Release()
		}
		return nil, errors.Trace(err)
	}
	s, err := newSessionWithTransport(ctx, t, opts)
	if err != nil {
		t.Close()
		if opts.Lock != nil {
			opts.Lock.Release()
		}
		return nil, errors.Trace(err)
	}
	s.lock = opts.Lock
	return s, nil
}

func newSessionWithTransport(ctx context.Context, t transport.Transport, opts Options) (*Session, error) {
	conn, err := NewConn(t, opts.DevIndex)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s := &Session{
		conn:    conn,
		t:       t,
		opts:    opts,
		regions: map[ecproto.Image]*Region{},
		running: ecproto.ImageUnknown,
	}
	if err := s.refreshRunningImage(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to read the EC version")
	}
	raw, err := s.conn.Run(ctx, ecproto.CmdFlashInfo, 0, nil, 16)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read flash info")
	}
	if s.flash, err = ecproto.DecodeFlashInfo(raw); err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(1).Infof("EC flash: size %s, write block %d, erase block %d, protect block %d",
		ourutil.FormatBytes(s.flash.FlashSize), s.flash.WriteBlockSize,
		s.flash.EraseBlockSize, s.flash.ProtectBlockSize)
	return s, nil
}

// Close releases the transport and the advisory lock, regardless of how the
// session went.
func (s *Session) Close() error {
	var err error
	if terr := s.t.Close(); terr != nil {
		err = multierror.Append(err, terr)
	}
	if s.lock != nil {
		if _, lerr := s.lock.Release(); lerr != nil {
			err = multierror.Append(err, lerr)
		}
	}
	return err
}

// Conn exposes the dispatcher for the write-protect controller and the
// info/reboot commands.
func (s *Session) Conn() *Conn { return s.conn }

// RunningImage returns the copy the EC most recently reported executing.
func (s *Session) RunningImage() ecproto.Image { return s.running }

// NeedsSecondPass reports whether some range was refused because it backed
// the running image.
func (s *Session) NeedsSecondPass() bool { return s.needsSecondPass }

// Region returns the mapped flash region of the given copy, or nil if the
// image being written does not contain that copy.
func (s *Session) Region(im ecproto.Image) *Region { return s.regions[im] }

func (s *Session) refreshRunningImage(ctx context.Context) error {
	raw, err := s.conn.Run(ctx, ecproto.CmdGetVersion, 0, nil, 100)
	if err != nil {
		return errors.Trace(err)
	}
	v, err := ecproto.DecodeVersionResponse(raw)
	if err != nil {
		return errors.Trace(err)
	}
	s.running = v.CurrentImage
	glog.V(1).Infof("EC is running its %s image (RO %q, RW %q)", s.running, v.ROVersion, v.RWVersion)
	return nil
}

// Version returns the EC's RO/RW version strings and the running copy.
func (s *Session) Version(ctx context.Context) (*ecproto.VersionResponse, error) {
	raw, err := s.conn.Run(ctx, ecproto.CmdGetVersion, 0, nil, 100)
	if err != nil {
		return nil, errors.Trace(err)
	}
	v, err := ecproto.DecodeVersionResponse(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.running = v.CurrentImage
	return v, nil
}

// FlashInfo returns the geometry of the flash device behind the EC.
func (s *Session) FlashInfo() *ecproto.FlashInfo { return s.flash }

// Prepare maps the RO/RW copies of the image about to be written and moves
// the EC to its RO copy, so that the first erase/write pass can touch as
// much of the flash as possible. A copy missing from the image is left out
// of the map; that by itself is not an error.
func (s *Session) Prepare(ctx context.Context, image []byte) error {
	areas, err := s.opts.mapper().Areas(image)
	if err != nil {
		return errors.Annotatef(err, "failed to parse the image area map")
	}
	s.regions = map[ecproto.Image]*Region{}
	for _, im := range []ecproto.Image{ecproto.ImageRO, ecproto.ImageRW} {
		name := s.opts.areaName(im)
		a, ok := areas[name]
		if !ok {
			ourutil.Reportf("Image has no %q area, skipping the %s copy", name, im)
			continue
		}
		s.regions[im] = &Region{Image: im, Offset: a.Offset, Size: a.Size}
		glog.V(1).Infof("%s copy at 0x%x+0x%x", im, a.Offset, a.Size)
	}
	if ro, rw := s.regions[ecproto.ImageRO], s.regions[ecproto.ImageRW]; ro != nil && rw != nil {
		if ro.overlaps(rw.Offset, rw.Size) {
			return errors.Errorf("RO 0x%x+0x%x and RW 0x%x+0x%x regions overlap",
				ro.Offset, ro.Size, rw.Offset, rw.Size)
		}
	}
	if err := s.JumpTo(ctx, ecproto.ImageRO); err != nil {
		return errors.Annotatef(err, "failed to move the EC to its RO copy")
	}
	s.needsSecondPass = false
	s.prepared = true
	return nil
}

func (s *Session) requirePrepared() error {
	if !s.prepared {
		return errors.Errorf("session not prepared")
	}
	if s.finalized {
		return errors.Errorf("session already finalized")
	}
	return nil
}

// runningRegion returns the mapped region backing the currently executing
// copy, if any.
func (s *Session) runningRegion() *Region {
	if s.running == ecproto.ImageUnknown {
		return nil
	}
	return s.regions[s.running]
}

// refuseIfRunning implements the self-update guard: a range that overlaps
// the executing copy is never touched. The region is marked stale and the
// caller is told to retry after FinishPass has moved the EC elsewhere.
func (s *Session) refuseIfRunning(offset, size uint32) error {
	r := s.runningRegion()
	if r == nil || !r.overlaps(offset, size) {
		return nil
	}
	r.fresh = false
	if !s.needsSecondPass {
		glog.V(1).Infof("0x%x+0x%x overlaps the running %s image, scheduling a second pass", offset, size, r.Image)
		s.needsSecondPass = true
	}
	return &AccessDeniedError{Image: r.Image, Offset: offset, Size: size}
}

// markFresh records that part of the new image landed in each overlapped
// region. A region stays stale only while writes to it are being refused.
func (s *Session) markFresh(offset, size uint32) {
	for _, r := range s.regions {
		if r.overlaps(offset, size) && !r.fresh {
			r.fresh = true
			glog.V(1).Infof("%s copy at 0x%x+0x%x is now fresh", r.Image, r.Offset, r.Size)
		}
	}
}

// Erase erases [offset, offset+size), unless the range backs the running
// copy, in which case it is refused with an AccessDeniedError and deferred
// to the second pass.
func (s *Session) Erase(ctx context.Context, offset, size uint32) error {
	if err := s.requirePrepared(); err != nil {
		return err
	}
	if err := s.refuseIfRunning(offset, size); err != nil {
		return err
	}
	if _, err := s.conn.Run(ctx, ecproto.CmdFlashErase, 0, ecproto.EncodeOffsetSize(offset, size), 0); err != nil {
		return errors.Annotatef(err, "failed to erase 0x%x+0x%x", offset, size)
	}
	s.markFresh(offset, size)
	return nil
}

// Write programs data at offset, chunked to the transport's per-command
// limit. Ranges backing the running copy are refused, like Erase.
func (s *Session) Write(ctx context.Context, offset uint32, data []byte) error {
	if err := s.requirePrepared(); err != nil {
		return err
	}
	if err := s.refuseIfRunning(offset, uint32(len(data))); err != nil {
		return err
	}
	step := s.writeChunkSize()
	for done := 0; done < len(data); {
		n := len(data) - done
		if n > step {
			n = step
		}
		params := ecproto.EncodeFlashWriteParams(offset+uint32(done), data[done:done+n])
		if _, err := s.conn.Run(ctx, ecproto.CmdFlashWrite, 0, params, 0); err != nil {
			return errors.Annotatef(err, "failed to write 0x%x+0x%x", offset+uint32(done), n)
		}
		done += n
	}
	s.markFresh(offset, uint32(len(data)))
	return nil
}

// Read reads size bytes at offset through the EC.
func (s *Session) Read(ctx context.Context, offset, size uint32) ([]byte, error) {
	step := s.conn.MaxDataSize()
	out := make([]byte, 0, size)
	for done := uint32(0); done < size; {
		n := size - done
		if n > uint32(step) {
			n = uint32(step)
		}
		raw, err := s.conn.Run(ctx, ecproto.CmdFlashRead, 0, ecproto.EncodeOffsetSize(offset+done, n), int(n))
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read 0x%x+0x%x", offset+done, n)
		}
		if uint32(len(raw)) < n {
			return nil, errors.Errorf("short flash read at 0x%x: %d < %d", offset+done, len(raw), n)
		}
		out = append(out, raw[:n]...)
		done += n
	}
	return out, nil
}

func (s *Session) writeChunkSize() int {
	step := s.conn.MaxDataSize() - flashParamsOverhead
	if bs := int(s.flash.WriteBlockSize); bs > 0 && step > bs {
		step -= step % bs
	}
	if step < 1 {
		step = 1
	}
	return step
}

// FinishPass ends one erase/write sweep. If anything was deferred because
// it backed the running copy, the EC is jumped to the other copy and true
// is returned: the caller must re-run the sweep.
func (s *Session) FinishPass(ctx context.Context) (bool, error) {
	if !s.needsSecondPass {
		return false, nil
	}
	target := ecproto.ImageRO
	if s.running == ecproto.ImageRO {
		target = ecproto.ImageRW
	}
	if err := s.JumpTo(ctx, target); err != nil {
		return false, errors.Annotatef(err, "failed to move the EC off the stale copy")
	}
	s.needsSecondPass = false
	return true, nil
}

// JumpTo reboots the EC into the requested copy. Asking for the copy the EC
// already reports running is a no-op; no reboot command is issued. A failed
// jump is retried once.
func (s *Session) JumpTo(ctx context.Context, im ecproto.Image) error {
	if s.running == im {
		glog.V(1).Infof("EC already runs its %s copy", im)
		return nil
	}
	var sub uint8
	switch im {
	case ecproto.ImageRO:
		sub = ecproto.RebootJumpRO
	case ecproto.ImageRW:
		sub = ecproto.RebootJumpRW
	default:
		return errors.Errorf("cannot jump to image %d", im)
	}
	ourutil.Reportf("Jumping the EC to its %s copy...", im)
	err := s.rebootEC(ctx, sub, 0)
	if err != nil {
		glog.Warningf("jump to %s failed (%s), retrying once", im, err)
		time.Sleep(jumpSettleDelay)
		err = s.rebootEC(ctx, sub, 0)
	}
	if err != nil {
		return errors.Annotatef(err, "jump to %s failed", im)
	}
	time.Sleep(jumpSettleDelay)
	if err := s.refreshRunningImage(ctx); err != nil {
		return errors.Annotatef(err, "EC did not come back after the jump to %s", im)
	}
	if s.running != im {
		return errors.Errorf("EC reports running %s after a jump to %s", s.running, im)
	}
	return nil
}

func (s *Session) rebootEC(ctx context.Context, sub, flags uint8) error {
	_, err := s.conn.Run(ctx, ecproto.CmdRebootEC, 0, ecproto.EncodeRebootParams(sub, flags), 0)
	return errors.Trace(err)
}

// Finalize decides which copy the EC is left running. With PreferRW set it
// tries the just-written RW copy first, falling back to RO if the image had
// no RW copy, the RW copy is not fresh, or the jump fails; otherwise the EC
// stays on RO.
func (s *Session) Finalize(ctx context.Context) error {
	defer func() { s.finalized = true }()
	if s.opts.PreferRW {
		rw := s.regions[ecproto.ImageRW]
		switch {
		case rw == nil:
			// Whatever RW the EC holds was not written by this session;
			// running it would be running unverified firmware.
			ourutil.Reportf("Image has no RW copy, leaving the EC on RO")
		case !rw.fresh:
			ourutil.Reportf("RW copy is stale, leaving the EC on RO")
		default:
			if err := s.JumpTo(ctx, ecproto.ImageRW); err == nil {
				return nil
			} else {
				ourutil.Reportf("Could not move the EC to RW (%s), falling back to RO", err)
			}
		}
	}
	return errors.Trace(s.JumpTo(ctx, ecproto.ImageRO))
}
