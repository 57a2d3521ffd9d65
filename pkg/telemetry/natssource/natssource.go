// Package natssource receives the simulator notifications from a sidecar
// process via NATS. The sidecar runs next to the simulator, publishes
//
//	<prefix>.event.connected
//	<prefix>.event.disconnected
//	<prefix>.event.sessioninfo   (payload: session info yaml)
//
// and answers reload requests on <prefix>.cmd.reload.
package natssource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/sessioninfo"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/telemetry"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/utils"
)

const (
	DefaultPrefix  = "eqpaint.sim"
	VersionHeader  = "Sidecar-Version"
	defaultTimeout = 2 * time.Second
)

var ErrClosed = errors.New("source closed")

type (
	Source struct {
		conn      *nats.Conn
		ownsConn  bool
		prefix    string
		timeout   time.Duration
		l         *log.Logger
		msgCh     chan *nats.Msg
		done      chan struct{}
		closeOnce sync.Once
		mu        sync.Mutex
		sub       *nats.Subscription
		lost      atomic.Int64
	}
	Option func(*Source)
)

func WithPrefix(prefix string) Option {
	return func(s *Source) {
		s.prefix = strings.TrimSuffix(prefix, ".")
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Source) {
		s.timeout = d
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Source) {
		s.l = l
	}
}

func newSource(opts ...Option) *Source {
	ret := &Source{
		prefix:  DefaultPrefix,
		timeout: defaultTimeout,
		l:       log.Default().Named("nats"),
		msgCh:   make(chan *nats.Msg, 64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// New uses an existing connection. The connection is not closed by Close.
func New(conn *nats.Conn, opts ...Option) *Source {
	ret := newSource(opts...)
	ret.conn = conn
	return ret
}

// Connect establishes the connection to the NATS server. The client keeps
// reconnecting after the connection is lost. A lost connection to the server
// says nothing about the simulator, so no event is emitted for it. The state
// of the simulator only changes with the messages of the sidecar.
func Connect(url string, opts ...Option) (*Source, error) {
	ret := newSource(opts...)
	conn, err := nats.Connect(url,
		nats.Name("eqpaint"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			ret.transportLost(err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			ret.transportRestored(c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			ret.l.Debug("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	ret.conn = conn
	ret.ownsConn = true
	return ret, nil
}

func (s *Source) eventSubject(name string) string {
	return fmt.Sprintf("%s.event.%s", s.prefix, name)
}

func (s *Source) reloadSubject() string {
	return fmt.Sprintf("%s.cmd.reload", s.prefix)
}

func (s *Source) Start(ctx context.Context) (<-chan telemetry.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil, errors.New("source already started")
	}
	// a single subscription keeps the order of the sidecar's messages
	sub, err := s.conn.ChanSubscribe(s.eventSubject("*"), s.msgCh)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	out := make(chan telemetry.Event)
	go s.pump(ctx, out)
	s.l.Info("listening for simulator events", log.String("subject", s.eventSubject("*")))
	return out, nil
}

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
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.msgCh:
			if ev, ok := s.translate(msg); ok {
				if !send(ev) {
					return
				}
			}
		}
	}
}

func (s *Source) transportLost(err error) {
	s.lost.Add(1)
	s.l.Warn("lost connection to nats server", log.ErrorField(err))
}

func (s *Source) transportRestored(url string) {
	s.l.Info("reconnected to nats server",
		log.String("url", url), log.Int64("outages", s.lost.Load()))
}

// translate converts a sidecar message into an event. Messages of unsupported
// sidecar versions or with invalid payload are dropped.
func (s *Source) translate(msg *nats.Msg) (telemetry.Event, bool) {
	if msg.Header != nil {
		if v := msg.Header.Get(VersionHeader); v != "" && !utils.CheckSidecarVersion(v) {
			s.l.Warn("ignoring message of outdated sidecar",
				log.String("version", v),
				log.String("subject", msg.Subject))
			return telemetry.Event{}, false
		}
	}
	name := strings.TrimPrefix(msg.Subject, s.eventSubject(""))
	switch name {
	case "connected":
		return telemetry.Event{Type: telemetry.EventConnected}, true
	case "disconnected":
		return telemetry.Event{Type: telemetry.EventDisconnected}, true
	case "sessioninfo":
		info, err := sessioninfo.Parse(msg.Data)
		if err != nil {
			s.l.Error("invalid session info", log.Int("len", len(msg.Data)), log.ErrorField(err))
			return telemetry.Event{}, false
		}
		return telemetry.Event{Type: telemetry.EventSessionInfo, Session: info}, true
	default:
		s.l.Debug("ignoring message", log.String("subject", msg.Subject))
		return telemetry.Event{}, false
	}
}

// RequestReload asks the sidecar to let the simulator reload the paints
func (s *Source) RequestReload(ctx context.Context, mode model.ReloadMode, carIdx int) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	data, err := telemetry.EncodeReload(mode, carIdx)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reply, err := s.conn.RequestWithContext(reqCtx, s.reloadSubject(), data)
	if err != nil {
		return fmt.Errorf("reload request (%s %d): %w", mode, carIdx, err)
	}
	return telemetry.DecodeReply(reply.Data)
}

func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.sub != nil {
			err = s.sub.Unsubscribe()
		}
		if s.ownsConn && s.conn != nil {
			s.conn.Close()
		}
	})
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}
