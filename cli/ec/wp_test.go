package ec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcu-tools/ecflash/common/ecproto"
)

func newTestWP(t *testing.T, f *fakeEC) *WPController {
	t.Helper()
	conn, err := NewConn(f, 0)
	require.NoError(t, err)
	return NewWPController(conn)
}

func TestWPStatus(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	w := newTestWP(t, f)

	st, err := w.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Equal(t, f.wpRO[0], st.Offset)
	assert.Equal(t, f.wpRO[1], st.Size)

	f.wpFlags = ecproto.FlashProtectRoAtBoot | ecproto.FlashProtectRoNow
	st, err = w.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
}

func TestWPEnable(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	w := newTestWP(t, f)

	require.NoError(t, w.Enable(ctx))
	assert.NotZero(t, f.wpFlags&ecproto.FlashProtectRoNow)
	assert.NotZero(t, f.wpFlags&ecproto.FlashProtectRoAtBoot)
	assert.False(t, w.ResetScheduled())
	assert.Empty(t, f.reboots)
}

func TestWPEnableBroadFallback(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	f.wpNoRoNow = true
	w := newTestWP(t, f)

	require.NoError(t, w.Enable(ctx))
	assert.NotZero(t, f.wpFlags&ecproto.FlashProtectAllNow)
	assert.True(t, w.ResetScheduled())
	// The narrowing reset is queued for the next shutdown, not issued now.
	require.Len(t, f.reboots, 1)
	assert.Equal(t, ecproto.RebootCold, f.reboots[0][0])
	assert.Equal(t, ecproto.RebootFlagOnAPShutdown, f.reboots[0][1])
}

func TestWPDisable(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	f.wpFlags = ecproto.FlashProtectRoAtBoot | ecproto.FlashProtectRoNow
	w := newTestWP(t, f)

	require.NoError(t, w.Disable(ctx))
	assert.Zero(t, f.wpFlags&ecproto.FlashProtectRoNow)
}

func TestWPDisableGpioAsserted(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	f.wpGpio = true
	w := newTestWP(t, f)

	err := w.Disable(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pin")
}

func TestWPSetRange(t *testing.T) {
	ctx := context.Background()
	f := newFakeEC()
	w := newTestWP(t, f)

	// The EC's own protectable range is accepted.
	require.NoError(t, w.SetRange(ctx, f.wpRO[0], f.wpRO[1]))
	assert.NotZero(t, f.wpFlags&ecproto.FlashProtectRoAtBoot)

	// Zero clears the at-boot protection.
	require.NoError(t, w.SetRange(ctx, 0, 0))
	assert.Zero(t, f.wpFlags&ecproto.FlashProtectRoAtBoot)

	// Anything else is not this EC's to protect.
	err := w.SetRange(ctx, 0x100, 0x200)
	require.Error(t, err)
	assert.True(t, IsUnsupportedRange(err), "got %v", err)
}
