package ec

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/mcu-tools/ecflash/common/ecproto"
)

// AccessDeniedError is the session's refusal to erase or write the flash
// range backing the image the EC is currently executing. It is recoverable:
// the caller skips the range now and retries it in the second pass, after
// the EC has been jumped to the other image.
type AccessDeniedError struct {
	Image  ecproto.Image
	Offset uint32
	Size   uint32
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("range 0x%x+0x%x overlaps the running %s image, deferred to the second pass",
		e.Offset, e.Size, e.Image)
}

// IsAccessDenied reports whether err is the running-image refusal.
func IsAccessDenied(err error) bool {
	_, ok := errors.Cause(err).(*AccessDeniedError)
	return ok
}

// UnsupportedRangeError means a write-protect range was requested that the
// EC does not offer. The EC protects exactly one range (its RO region);
// anything else is a configuration error, not a firmware fault.
type UnsupportedRangeError struct {
	Offset uint32
	Size   uint32
}

func (e *UnsupportedRangeError) Error() string {
	return fmt.Sprintf("write-protect range 0x%x+0x%x is not offered by this EC", e.Offset, e.Size)
}

// IsUnsupportedRange reports whether err is a write-protect range rejection.
func IsUnsupportedRange(err error) bool {
	_, ok := errors.Cause(err).(*UnsupportedRangeError)
	return ok
}
