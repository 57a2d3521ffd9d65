package natssource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/iracing-equanimity-paint/pkg/telemetry"
)

const sessionYaml = `
WeekendInfo:
 TrackName: okayama full
 SubSessionID: 100
 EventType: Race
DriverInfo:
 DriverCarIdx: 0
 DriverUserID: 4711
 Drivers:
 - CarIdx: 0
   UserID: 4711
   CarPath: mx5 mx52016
 - CarIdx: 2
   UserID: 5
   CarPath: mx5 mx52016
`

func newMsg(subject, version string, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if version != "" {
		msg.Header.Set(VersionHeader, version)
	}
	return msg
}

func TestTranslate(t *testing.T) {
	s := newSource(WithPrefix("test.sim."))
	tests := []struct {
		name   string
		msg    *nats.Msg
		want   telemetry.EventType
		wantOk bool
	}{
		{
			name:   "connected",
			msg:    newMsg("test.sim.event.connected", "", nil),
			want:   telemetry.EventConnected,
			wantOk: true,
		},
		{
			name:   "disconnected",
			msg:    newMsg("test.sim.event.disconnected", "v1.0.0", nil),
			want:   telemetry.EventDisconnected,
			wantOk: true,
		},
		{
			name:   "session info",
			msg:    newMsg("test.sim.event.sessioninfo", "v1.2.0", []byte(sessionYaml)),
			want:   telemetry.EventSessionInfo,
			wantOk: true,
		},
		{
			name:   "invalid session info",
			msg:    newMsg("test.sim.event.sessioninfo", "", []byte("WeekendInfo: [unclosed")),
			wantOk: false,
		},
		{
			name:   "outdated sidecar",
			msg:    newMsg("test.sim.event.connected", "v0.5.0", nil),
			wantOk: false,
		},
		{
			name:   "unknown subject",
			msg:    newMsg("test.sim.event.telemetry", "", nil),
			wantOk: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.translate(tt.msg)
			assert.Equal(t, tt.wantOk, ok)
			if !tt.wantOk {
				return
			}
			assert.Equal(t, tt.want, got.Type)
			if tt.want == telemetry.EventSessionInfo {
				require.NotNil(t, got.Session)
				assert.Equal(t, 100, got.Session.SessionID)
				assert.Len(t, got.Session.Participants, 2)
			} else {
				assert.Nil(t, got.Session)
			}
		})
	}
}

func TestSubjects(t *testing.T) {
	s := newSource(WithPrefix("a.b"))
	assert.Equal(t, "a.b.event.*", s.eventSubject("*"))
	assert.Equal(t, "a.b.cmd.reload", s.reloadSubject())
}

func TestPumpKeepsOrder(t *testing.T) {
	s := newSource(WithPrefix("x"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan telemetry.Event)
	go s.pump(ctx, out)

	s.msgCh <- newMsg("x.event.connected", "", nil)
	s.msgCh <- newMsg("x.event.sessioninfo", "", []byte(sessionYaml))
	s.msgCh <- newMsg("x.event.disconnected", "", nil)

	want := []telemetry.EventType{
		telemetry.EventConnected, telemetry.EventSessionInfo, telemetry.EventDisconnected,
	}
	for _, w := range want {
		select {
		case ev := <-out:
			assert.Equal(t, w, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", w)
		}
	}
	require.NoError(t, s.Close())
	_, open := <-out
	assert.False(t, open)
}

func TestTransportLossIsNoSimulatorEvent(t *testing.T) {
	s := newSource(WithPrefix("x"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan telemetry.Event)
	go s.pump(ctx, out)

	s.msgCh <- newMsg("x.event.connected", "", nil)
	s.msgCh <- newMsg("x.event.sessioninfo", "", []byte(sessionYaml))
	s.transportLost(errors.New("connection reset"))
	s.transportRestored("nats://localhost:4222")
	s.msgCh <- newMsg("x.event.sessioninfo", "", []byte(sessionYaml))

	want := []telemetry.EventType{
		telemetry.EventConnected, telemetry.EventSessionInfo, telemetry.EventSessionInfo,
	}
	for _, w := range want {
		select {
		case ev := <-out:
			assert.Equal(t, w, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", w)
		}
	}
	select {
	case ev := <-out:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), s.lost.Load())
}

func TestRequestReloadAfterClose(t *testing.T) {
	s := newSource()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.RequestReload(context.Background(), 0, 0), ErrClosed)
}
