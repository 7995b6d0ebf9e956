//go:build !unix

package reactor

import (
	"fmt"
	"runtime"
	"time"
)

// unsupportedPoller is the non-Unix stub of the poller; the core's
// socket layer (tcp package) is POSIX-only by construction (raw
// accept/connect/fd syscalls), so there is no readiness facility to
// fall back to here the way muduo never targeted Windows either.
// newPlatformPoller reports an error, which NewEventLoop treats as
// fatal (logctx.Fatalf). The rest of the package (eventloop.go's pipe2
// wakeup) uses golang.org/x/sys/unix directly and does not build on
// these targets.
type unsupportedPoller struct{}

func newPlatformPoller() (Poller, error) {
	return nil, fmt.Errorf("reactor: no readiness poller implementation for GOOS=%s", runtime.GOOS)
}

func (unsupportedPoller) Poll(time.Duration, *[]*Channel) (time.Time, error) {
	return time.Time{}, fmt.Errorf("reactor: unsupported platform")
}
func (unsupportedPoller) UpdateChannel(*Channel) error { return fmt.Errorf("reactor: unsupported platform") }
func (unsupportedPoller) RemoveChannel(*Channel) error { return fmt.Errorf("reactor: unsupported platform") }
func (unsupportedPoller) Contains(*Channel) bool       { return false }
func (unsupportedPoller) Close() error                 { return nil }
