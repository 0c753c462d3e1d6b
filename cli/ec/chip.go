package ec

import (
	"bytes"
	"context"

	"github.com/juju/errors"
)

// The session doubles as the flash chip driver the generic flashing engine
// plugs into: EC-hosted flash looks like any other part, except that
// erase/write may come back AccessDenied and need a second pass.
var _ Chip = (*Session)(nil)

// Probe reports the flash geometry the EC advertises.
func (s *Session) Probe(ctx context.Context) (*ChipInfo, error) {
	if s.flash == nil {
		return nil, errors.Errorf("no flash info, session not open")
	}
	return &ChipInfo{
		TotalSize:      s.flash.FlashSize,
		PageSize:       s.flash.WriteBlockSize,
		EraseBlockSize: s.flash.EraseBlockSize,
	}, nil
}

// Verify reads back [offset, offset+len(want)) and compares it with want.
func (s *Session) Verify(ctx context.Context, offset uint32, want []byte) error {
	got, err := s.Read(ctx, offset, uint32(len(want)))
	if err != nil {
		return errors.Trace(err)
	}
	if !bytes.Equal(got, want) {
		for i := range got {
			if got[i] != want[i] {
				return errors.Errorf("verify failed at 0x%x: got 0x%02x, want 0x%02x",
					offset+uint32(i), got[i], want[i])
			}
		}
	}
	return nil
}
