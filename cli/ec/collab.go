package ec

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/mcu-tools/ecflash/common/fmap"
)

// Range is a named byte range inside a firmware image.
type Range struct {
	Offset uint32
	Size   uint32
}

// AreaMapper locates named areas inside a raw firmware image. A missing
// name means that copy is simply not present in the image.
type AreaMapper interface {
	Areas(image []byte) (map[string]Range, error)
}

// FmapMapper is the default AreaMapper: it searches the image for an
// embedded fmap table.
type FmapMapper struct{}

func (FmapMapper) Areas(image []byte) (map[string]Range, error) {
	m, err := fmap.Find(image)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make(map[string]Range, len(m.Areas))
	for _, a := range m.Areas {
		out[a.Name] = Range{Offset: a.Offset, Size: a.Size}
	}
	return out, nil
}

// LockStatus is the outcome of acquiring the advisory inter-process lock
// that serializes access to the EC transport.
type LockStatus int

const (
	LockAcquired LockStatus = iota
	LockAlreadyHeld
	LockFailed
)

// ReleaseStatus is the outcome of releasing the advisory lock.
type ReleaseStatus int

const (
	LockReleased ReleaseStatus = iota
	LockNotHeld
)

// AdvisoryLock serializes EC access between processes. AlreadyHeld is
// success (the lock is reentrant within one process); Failed is a fatal
// startup error.
type AdvisoryLock interface {
	Acquire(timeout time.Duration) (LockStatus, error)
	Release() (ReleaseStatus, error)
}

// ChipInfo describes the flash device behind the EC, in the shape the
// generic flashing engine expects from any chip driver.
type ChipInfo struct {
	TotalSize      uint32
	PageSize       uint32
	EraseBlockSize uint32
}

// Chip is the flash chip driver interface the session implements so the
// generic engine can drive EC-hosted flash like any other part.
type Chip interface {
	Probe(ctx context.Context) (*ChipInfo, error)
	Read(ctx context.Context, addr, size uint32) ([]byte, error)
	Write(ctx context.Context, addr uint32, data []byte) error
	Erase(ctx context.Context, addr, size uint32) error
}
