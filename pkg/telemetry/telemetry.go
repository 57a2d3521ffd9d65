// Package telemetry defines how the simulator's notifications reach the
// session tracker and how reload requests are sent back.
package telemetry

import (
	"context"

	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
)

type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventSessionInfo
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventSessionInfo:
		return "sessionInfo"
	default:
		return "unknown"
	}
}

type Event struct {
	Type    EventType
	Session *model.SessionInfo // only set for EventSessionInfo
}

// Source delivers the simulator's notifications. The event channel is closed
// when the source stops, either because ctx is done or Close was called.
type Source interface {
	Start(ctx context.Context) (<-chan Event, error)
	RequestReload(ctx context.Context, mode model.ReloadMode, carIdx int) error
	Close() error
}
