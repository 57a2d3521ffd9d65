package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
)

// ReloadCommand is the message sent to the simulator sidecar
type ReloadCommand struct {
	Mode   string `json:"mode"`
	CarIdx int    `json:"carIdx"`
}

// ReloadReply is the sidecar's answer to a ReloadCommand
type ReloadReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func EncodeReload(mode model.ReloadMode, carIdx int) ([]byte, error) {
	cmd := ReloadCommand{Mode: mode.String(), CarIdx: carIdx}
	if mode == model.ReloadModeAll {
		cmd.CarIdx = 0
	}
	return json.Marshal(cmd)
}

// DecodeReply interprets the sidecar's reply. An empty reply counts as success.
func DecodeReply(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var reply ReloadReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("invalid reload reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("sidecar rejected reload: %s", reply.Error)
	}
	return nil
}
