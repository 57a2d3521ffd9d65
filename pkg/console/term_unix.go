//go:build linux || darwin || freebsd || netbsd || openbsd

package console

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// EnableKeyMode switches a terminal to unbuffered input without echo. Output
// processing and signal keys stay active. The returned func restores the
// previous state. Nothing is changed if f is not a terminal.
func EnableKeyMode(f *os.File) (restore func(), err error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	old, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	if err != nil {
		return func() {}, err
	}
	mode := *old
	mode.Lflag &^= unix.ICANON | unix.ECHO
	mode.Cc[unix.VMIN] = 1
	mode.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlWriteTermios, &mode); err != nil {
		return func() {}, err
	}
	return func() {
		//nolint:errcheck // best effort on shutdown
		unix.IoctlSetTermios(fd, ioctlWriteTermios, old)
	}, nil
}
