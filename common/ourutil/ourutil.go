package ourutil

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

// Reportf prints user-facing progress to stderr and mirrors it to the log.
func Reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

// LimitStr renders up to n bytes of b as hex, for wire-level debug logs.
func LimitStr(b []byte, n int) string {
	if len(b) <= n {
		return fmt.Sprintf("% x", b)
	}
	return fmt.Sprintf("% x ... (%d)", b[:n], len(b))
}

// FormatBytes renders a byte count with a binary suffix.
func FormatBytes(n uint32) string {
	switch {
	case n >= 1024*1024 && n%(1024*1024) == 0:
		return fmt.Sprintf("%dM", n/(1024*1024))
	case n >= 1024 && n%1024 == 0:
		return fmt.Sprintf("%dK", n/1024)
	default:
		return fmt.Sprintf("%d", n)
	}
}
