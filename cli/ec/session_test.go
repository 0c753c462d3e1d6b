package ec

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcu-tools/ecflash/common/ecproto"
)

type stubMapper map[string]Range

func (m stubMapper) Areas([]byte) (map[string]Range, error) { return m, nil }

var testAreas = stubMapper{
	"EC_RO": {Offset: 0, Size: 0x10000},
	"EC_RW": {Offset: 0x10000, Size: 0x10000},
}

// testImage is RO filled with 0x11 and RW filled with 0x22.
func testImage() []byte {
	img := make([]byte, 0x20000)
	for i := 0; i < 0x10000; i++ {
		img[i] = 0x11
		img[0x10000+i] = 0x22
	}
	return img
}

func newTestSession(t *testing.T, f *fakeEC, opts Options) *Session {
	t.Helper()
	jumpSettleDelay = time.Millisecond
	if opts.Mapper == nil {
		opts.Mapper = testAreas
	}
	s, err := newSessionWithTransport(context.Background(), f, opts)
	require.NoError(t, err)
	return s
}

func TestUpdateTwoPass(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	s := newTestSession(t, f, Options{PreferRW: true})
	img := testImage()

	require.NoError(t, s.Prepare(ctx, img))
	assert.Equal(t, ecproto.ImageRO, s.RunningImage())

	// The RW copy is free while the EC runs RO.
	require.NoError(t, s.Erase(ctx, 0x10000, 0x10000))
	require.NoError(t, s.Write(ctx, 0x10000, img[0x10000:]))
	assert.True(t, s.Region(ecproto.ImageRW).Fresh())

	// The RO copy backs the running image and must be refused.
	err := s.Erase(ctx, 0, 0x10000)
	require.Error(t, err)
	assert.True(t, IsAccessDenied(err), "got %v", err)
	assert.True(t, s.NeedsSecondPass())
	assert.False(t, s.Region(ecproto.ImageRO).Fresh())

	// Refusing again changes nothing.
	err = s.Write(ctx, 0, img[:0x10000])
	assert.True(t, IsAccessDenied(err), "got %v", err)
	assert.True(t, s.NeedsSecondPass())
	// The refused bytes never reached the flash.
	assert.Equal(t, byte(0xff), f.flash[0])

	again, err := s.FinishPass(ctx)
	require.NoError(t, err)
	assert.True(t, again)
	assert.Equal(t, ecproto.ImageRW, s.RunningImage())
	assert.False(t, s.NeedsSecondPass())

	// Second pass: RO is now free.
	require.NoError(t, s.Erase(ctx, 0, 0x10000))
	require.NoError(t, s.Write(ctx, 0, img[:0x10000]))
	assert.True(t, s.Region(ecproto.ImageRO).Fresh())

	again, err = s.FinishPass(ctx)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, s.Finalize(ctx))
	assert.Equal(t, ecproto.ImageRW, s.RunningImage())
	assert.True(t, bytes.Equal(f.flash, img))
}

func TestPartialWriteMarksFresh(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	s := newTestSession(t, f, Options{})
	require.NoError(t, s.Prepare(ctx, testImage()))

	// Even a small write into the RW region counts as freshening it:
	// freshness tracks "has been touched since last invalidated", not
	// byte coverage.
	require.NoError(t, s.Write(ctx, 0x10000, make([]byte, 0x100)))
	assert.True(t, s.Region(ecproto.ImageRW).Fresh())
}

func TestPrepareMovesECToRO(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	f.running = ecproto.ImageRW
	s := newTestSession(t, f, Options{})

	require.NoError(t, s.Prepare(ctx, testImage()))
	assert.Equal(t, ecproto.ImageRO, s.RunningImage())
	require.Len(t, f.reboots, 1)
	assert.Equal(t, ecproto.RebootJumpRO, f.reboots[0][0])
}

func TestPrepareMissingArea(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	s := newTestSession(t, f, Options{
		Mapper: stubMapper{"EC_RO": {Offset: 0, Size: 0x10000}},
	})

	require.NoError(t, s.Prepare(ctx, testImage()))
	assert.NotNil(t, s.Region(ecproto.ImageRO))
	assert.Nil(t, s.Region(ecproto.ImageRW))
}

func TestPrepareRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	s := newTestSession(t, f, Options{
		Mapper: stubMapper{
			"EC_RO": {Offset: 0, Size: 0x10000},
			"EC_RW": {Offset: 0x8000, Size: 0x10000},
		},
	})
	assert.Error(t, s.Prepare(ctx, testImage()))
}

func TestRefuseRangeAtAddressSpaceEnd(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	s := newTestSession(t, f, Options{
		Mapper: stubMapper{"EC_RO": {Offset: 0xffff0000, Size: 0x10000}},
	})
	require.NoError(t, s.Prepare(ctx, testImage()))

	// Both the region end and the request end exceed 32 bits; the overlap
	// check must not wrap and let the range through to the EC.
	err := s.Erase(ctx, 0xffff8000, 0x10000)
	require.Error(t, err)
	assert.True(t, IsAccessDenied(err), "got %v", err)
	assert.Equal(t, 0, f.calls[ecproto.CmdFlashErase])
}

func TestEraseRequiresPrepare(t *testing.T) {
	f := newFakeEC()
	s := newTestSession(t, f, Options{})
	assert.Error(t, s.Erase(context.Background(), 0, 0x1000))
}

func TestJumpIdempotent(t *testing.T) {
	f := newFakeEC()
	s := newTestSession(t, f, Options{})
	require.NoError(t, s.JumpTo(context.Background(), ecproto.ImageRO))
	assert.Empty(t, f.reboots)
}

func TestJumpRetriedOnce(t *testing.T) {
	f := newFakeEC()
	f.failJumps = 1
	s := newTestSession(t, f, Options{})
	require.NoError(t, s.JumpTo(context.Background(), ecproto.ImageRW))
	assert.Equal(t, ecproto.ImageRW, s.RunningImage())
	assert.Len(t, f.reboots, 2)
}

func TestJumpGivesUpAfterRetry(t *testing.T) {
	f := newFakeEC()
	f.failJumps = 2
	s := newTestSession(t, f, Options{})
	assert.Error(t, s.JumpTo(context.Background(), ecproto.ImageRW))
}

func TestFinalizeStaleRWStaysOnRO(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	s := newTestSession(t, f, Options{PreferRW: true})
	require.NoError(t, s.Prepare(ctx, testImage()))

	// Nothing was written, so the RW copy is stale and must not be run.
	require.NoError(t, s.Finalize(ctx))
	assert.Equal(t, ecproto.ImageRO, s.RunningImage())
	assert.Empty(t, f.reboots)
}

func TestFinalizeNoRWCopyStaysOnRO(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	s := newTestSession(t, f, Options{
		PreferRW: true,
		Mapper:   stubMapper{"EC_RO": {Offset: 0, Size: 0x10000}},
	})
	require.NoError(t, s.Prepare(ctx, testImage()))

	// The image carries no RW copy, so whatever RW the EC holds is not
	// this session's to run; prefer-RW must not jump into it.
	require.NoError(t, s.Finalize(ctx))
	assert.Equal(t, ecproto.ImageRO, s.RunningImage())
	assert.Empty(t, f.reboots)
}

func TestFinalizeFallsBackToRO(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	s := newTestSession(t, f, Options{PreferRW: true})
	require.NoError(t, s.Prepare(ctx, testImage()))
	require.NoError(t, s.Write(ctx, 0x10000, make([]byte, 0x100)))

	f.failJumps = 2 // both attempts to reach RW fail
	require.NoError(t, s.Finalize(ctx))
	assert.Equal(t, ecproto.ImageRO, s.RunningImage())
}

func TestWriteChunking(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	s := newTestSession(t, f, Options{})
	require.NoError(t, s.Prepare(ctx, testImage()))

	data := make([]byte, 0x10000)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, s.Write(ctx, 0x10000, data))
	assert.True(t, bytes.Equal(f.flash[0x10000:], data))

	// maxData 0x200 minus the 8 byte params, rounded down to the write
	// block, gives 0x1f8 per command.
	chunk := 0x200 - 8
	wantCalls := (len(data) + chunk - 1) / chunk
	assert.Equal(t, wantCalls, f.calls[ecproto.CmdFlashWrite])
}

func TestReadChunking(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	for i := range f.flash {
		f.flash[i] = byte(i * 7)
	}
	s := newTestSession(t, f, Options{})

	got, err := s.Read(ctx, 0, uint32(len(f.flash)))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, f.flash))
	assert.Equal(t, len(f.flash)/f.maxData, f.calls[ecproto.CmdFlashRead])
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	s := newTestSession(t, f, Options{})

	want := make([]byte, 0x100)
	for i := range want {
		want[i] = 0xff
	}
	require.NoError(t, s.Verify(ctx, 0, want))

	f.flash[0x42] = 0x00
	err := s.Verify(ctx, 0, want)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x42")
}
