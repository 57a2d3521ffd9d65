// Package console handles the single key commands of the interactive mode.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/session"
)

const ctrlC = 0x03

type (
	Commands struct {
		Quit          func()
		Rerun         func(ctx context.Context) error
		ReloadOptions func(ctx context.Context) error
	}
	Monitor struct {
		in        io.Reader
		out       io.Writer
		cmds      Commands
		l         *log.Logger
		rerunning atomic.Bool
	}
	Option func(*Monitor)
)

func WithOutput(w io.Writer) Option {
	return func(m *Monitor) {
		m.out = w
	}
}

func WithLogger(l *log.Logger) Option {
	return func(m *Monitor) {
		m.l = l
	}
}

func NewMonitor(in io.Reader, cmds Commands, opts ...Option) *Monitor {
	ret := &Monitor{
		in:   in,
		out:  io.Discard,
		cmds: cmds,
		l:    log.Default().Named("console"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (m *Monitor) PrintHelp() {
	fmt.Fprint(m.out, "keys: [q] quit  [r] rerun  [o] reload options  [h] help\r\n")
}

// Run reads key presses until ctx is done, the input is exhausted or quit was
// requested.
func (m *Monitor) Run(ctx context.Context) error {
	keys := make(chan byte)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		for {
			n, err := m.in.Read(buf)
			for _, b := range buf[:n] {
				select {
				case keys <- b:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				m.l.Debug("input closed")
				return nil
			}
			return fmt.Errorf("read keys: %w", err)
		case b := <-keys:
			if m.handle(ctx, b) {
				return nil
			}
		}
	}
}

// handle returns true if the monitor should stop
func (m *Monitor) handle(ctx context.Context, b byte) bool {
	switch b {
	case 'q', 'Q', ctrlC:
		m.l.Info("quit requested")
		if m.cmds.Quit != nil {
			m.cmds.Quit()
		}
		return true
	case 'r', 'R':
		m.rerun(ctx)
	case 'o', 'O':
		if m.cmds.ReloadOptions == nil {
			return false
		}
		if err := m.cmds.ReloadOptions(ctx); err != nil {
			m.l.Warn("options reloaded with errors", log.ErrorField(err))
			fmt.Fprintf(m.out, "options reloaded, using defaults: %v\r\n", err)
		} else {
			fmt.Fprint(m.out, "options reloaded\r\n")
		}
	case 'h', 'H', '?':
		m.PrintHelp()
	}
	return false
}

// rerun runs in the background so the quit key stays responsive during the
// settle delay. A rerun pressed while another one is running is ignored.
func (m *Monitor) rerun(ctx context.Context) {
	if m.cmds.Rerun == nil {
		return
	}
	if !m.rerunning.CompareAndSwap(false, true) {
		fmt.Fprint(m.out, "rerun already in progress\r\n")
		return
	}
	go func() {
		defer m.rerunning.Store(false)
		err := m.cmds.Rerun(ctx)
		switch {
		case err == nil:
			fmt.Fprint(m.out, "rerun done\r\n")
		case errors.Is(err, session.ErrNotConnected):
			fmt.Fprint(m.out, "not connected\r\n")
		case errors.Is(err, context.Canceled):
		default:
			m.l.Warn("rerun failed", log.ErrorField(err))
			fmt.Fprintf(m.out, "rerun failed: %v\r\n", err)
		}
	}()
}
