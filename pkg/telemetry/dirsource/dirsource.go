// Package dirsource reads the simulator notifications from a spool directory
// maintained by a sidecar process.
//
// The sidecar creates the file "connected" while the simulator is running and
// removes it on disconnect. The current session info is written to
// "sessioninfo.yaml" (preferably via rename). Reload requests are appended as
// json lines to "reload.jsonl".
package dirsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/sessioninfo"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/telemetry"
)

const (
	ConnectedFile   = "connected"
	SessionInfoFile = "sessioninfo.yaml"
	ReloadFile      = "reload.jsonl"
)

var ErrClosed = errors.New("source closed")

type (
	Source struct {
		dir       string
		l         *log.Logger
		watcher   *fsnotify.Watcher
		done      chan struct{}
		closeOnce sync.Once
		mu        sync.Mutex // guards reload file and watcher
		last      []byte     // last session info content, used by the pump only
	}
	Option func(*Source)
)

func WithLogger(l *log.Logger) Option {
	return func(s *Source) {
		s.l = l
	}
}

func New(dir string, opts ...Option) *Source {
	ret := &Source{
		dir:  dir,
		l:    log.Default().Named("dirsource"),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (s *Source) Dir() string {
	return s.dir
}

func (s *Source) Start(ctx context.Context) (<-chan telemetry.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil, errors.New("source already started")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// watching the directory survives files being replaced via rename
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = watcher
	out := make(chan telemetry.Event)
	go s.pump(ctx, out)
	s.l.Info("watching spool dir", log.String("dir", s.dir))
	return out, nil
}

//nolint:gocognit,cyclop // event loop
func (s *Source) pump(ctx context.Context, out chan<- telemetry.Event) {
	defer close(out)
	send := func(ev telemetry.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		}
	}
	// state present before we started watching
	if s.exists(ConnectedFile) {
		if !send(telemetry.Event{Type: telemetry.EventConnected}) {
			return
		}
		if ev, ok := s.readSessionInfo(); ok && !send(ev) {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				s.l.Info("watcher events channel closed")
				return
			}
			s.l.Debug("change detected",
				log.String("file", event.Name), log.String("op", event.Op.String()))
			ev, ok := s.translate(event)
			if ok && !send(ev) {
				return
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.l.Info("watcher errors channel closed")
				return
			}
			s.l.Error("watcher error", log.ErrorField(err))
		}
	}
}

func (s *Source) translate(event fsnotify.Event) (telemetry.Event, bool) {
	switch filepath.Base(event.Name) {
	case ConnectedFile:
		switch {
		case event.Has(fsnotify.Create):
			return telemetry.Event{Type: telemetry.EventConnected}, true
		case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
			s.last = nil
			return telemetry.Event{Type: telemetry.EventDisconnected}, true
		}
	case SessionInfoFile:
		if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
			return s.readSessionInfo()
		}
	}
	return telemetry.Event{}, false
}

// readSessionInfo returns an event if the session info file changed since the
// last successful read.
func (s *Source) readSessionInfo() (telemetry.Event, bool) {
	raw, err := os.ReadFile(filepath.Join(s.dir, SessionInfoFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.l.Warn("could not read session info", log.ErrorField(err))
		}
		return telemetry.Event{}, false
	}
	if bytes.Equal(raw, s.last) {
		return telemetry.Event{}, false
	}
	info, err := sessioninfo.Parse(raw)
	if err != nil {
		// may be a partial write, the next write event delivers the rest
		s.l.Debug("invalid session info", log.ErrorField(err))
		return telemetry.Event{}, false
	}
	s.last = raw
	return telemetry.Event{Type: telemetry.EventSessionInfo, Session: info}, true
}

func (s *Source) exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

// RequestReload appends the request to the reload file. The sidecar consumes
// it, there is no reply.
func (s *Source) RequestReload(ctx context.Context, mode model.ReloadMode, carIdx int) error {
	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	data, err := telemetry.EncodeReload(mode, carIdx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, ReloadFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open reload file: %w", err)
	}
	if _, err = f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write reload request: %w", err)
	}
	return f.Close()
}

func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}
