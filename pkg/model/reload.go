package model

import "fmt"

type ReloadKind int

const (
	// ReloadKindCar asks the simulator to reload the paints of a single car
	ReloadKindCar ReloadKind = iota
	// ReloadKindAll marks the end of a provisioning batch
	ReloadKindAll
)

func (k ReloadKind) String() string {
	switch k {
	case ReloadKindCar:
		return "car"
	case ReloadKindAll:
		return "all"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

type ReloadRequest struct {
	Kind   ReloadKind
	CarIdx int
	UserID int
}

func CarReload(p ParticipantDescriptor) ReloadRequest {
	return ReloadRequest{Kind: ReloadKindCar, CarIdx: p.CarIdx, UserID: p.UserID}
}

func BatchDone() ReloadRequest {
	return ReloadRequest{Kind: ReloadKindAll}
}

// ReloadMode selects the scope of a reload call to the simulator
type ReloadMode int

const (
	ReloadModeAll ReloadMode = iota
	ReloadModeCar
)

func (m ReloadMode) String() string {
	if m == ReloadModeAll {
		return "all"
	}
	return "car"
}
