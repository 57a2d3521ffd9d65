package model

import "strings"

// NoSession marks the tracker as not bound to any session
const NoSession = -1

// ParticipantDescriptor is a read-only snapshot of a single entry of the
// simulator's driver list.
type ParticipantDescriptor struct {
	UserID    int    // stable per session, < 1 for pace car and spectators
	CarIdx    int    // the current car slot within the simulation
	CarPath   string // the car model directory, shared by all cars of that model
	CarNumber int
	UserName  string
}

// IsParticipant reports whether the entry represents a real competitor
func (p ParticipantDescriptor) IsParticipant() bool {
	return p.UserID > 0
}

type SessionInfo struct {
	SessionID    int
	EventType    string
	TrackName    string
	LocalCarIdx  int
	LocalUserID  int
	Participants []ParticipantDescriptor
}

func (s *SessionInfo) IsRace() bool {
	return strings.EqualFold(strings.TrimSpace(s.EventType), "race")
}
