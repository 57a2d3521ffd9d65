//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package console

import (
	"os"

	"golang.org/x/term"
)

// EnableKeyMode switches a terminal to raw mode so single key presses are
// delivered immediately. The returned func restores the previous state.
func EnableKeyMode(f *os.File) (restore func(), err error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, err
	}
	return func() {
		//nolint:errcheck // best effort on shutdown
		term.Restore(fd, state)
	}, nil
}
