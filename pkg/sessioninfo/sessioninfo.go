// Package sessioninfo converts the simulator's session info document (YAML) into
// the model used by the session tracker.
package sessioninfo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
)

var ErrNoSessionID = errors.New("session info contains no session id")

type (
	document struct {
		WeekendInfo weekendInfo `yaml:"WeekendInfo"`
		DriverInfo  driverInfo  `yaml:"DriverInfo"`
	}
	weekendInfo struct {
		TrackName    string `yaml:"TrackName"`
		SessionID    int    `yaml:"SessionID"`
		SubSessionID int    `yaml:"SubSessionID"`
		EventType    string `yaml:"EventType"`
	}
	driverInfo struct {
		DriverCarIdx int      `yaml:"DriverCarIdx"`
		DriverUserID int      `yaml:"DriverUserID"`
		Drivers      []driver `yaml:"Drivers"`
	}
	driver struct {
		CarIdx       int    `yaml:"CarIdx"`
		UserName     string `yaml:"UserName"`
		UserID       int    `yaml:"UserID"`
		CarPath      string `yaml:"CarPath"`
		CarNumber    string `yaml:"CarNumber"`
		CarNumberRaw int    `yaml:"CarNumberRaw"`
		CarIsPaceCar int    `yaml:"CarIsPaceCar"`
		IsSpectator  int    `yaml:"IsSpectator"`
	}
)

// the simulator does not quote free text values. Names containing ": " or
// starting with special chars would break the yaml parser.
var freeTextValues = regexp.MustCompile(
	`(?m)^([ \t]*-?[ \t]*(?:UserName|TeamName|AbbrevName|Initials|DriverSetupName|` +
		`CarScreenName|CarScreenNameShort|CarClassShortName|CarDesignStr|` +
		`HelmetDesignStr|SuitDesignStr|CarNumberDesignStr|ClubName|DivisionName|` +
		`TrackDisplayName|TrackDisplayShortName|TrackConfigName|TrackCity|` +
		`TrackCountry|SeriesName|SessionName)): (.*?)[ \t\r]*$`)

func sanitize(raw string) string {
	return freeTextValues.ReplaceAllStringFunc(raw, func(line string) string {
		m := freeTextValues.FindStringSubmatch(line)
		value := m[2]
		if value == "" || strings.HasPrefix(value, `"`) {
			return line
		}
		return fmt.Sprintf("%s: %s", m[1], strconv.Quote(value))
	})
}

// Parse reads a session info document.
// The session is identified by SubSessionID, SessionID is used as fallback
// for offline sessions where no subsession exists.
func Parse(raw []byte) (*model.SessionInfo, error) {
	var doc document
	if err := yaml.Unmarshal([]byte(sanitize(string(raw))), &doc); err != nil {
		return nil, fmt.Errorf("parse session info: %w", err)
	}
	id := doc.WeekendInfo.SubSessionID
	if id == 0 {
		id = doc.WeekendInfo.SessionID
	}
	if id == 0 && len(doc.DriverInfo.Drivers) == 0 {
		return nil, ErrNoSessionID
	}
	ret := &model.SessionInfo{
		SessionID:   id,
		EventType:   doc.WeekendInfo.EventType,
		TrackName:   doc.WeekendInfo.TrackName,
		LocalCarIdx: doc.DriverInfo.DriverCarIdx,
		LocalUserID: doc.DriverInfo.DriverUserID,
		Participants: lo.Map(doc.DriverInfo.Drivers,
			func(d driver, _ int) model.ParticipantDescriptor {
				return d.toDescriptor()
			}),
	}
	return ret, nil
}

func (d driver) toDescriptor() model.ParticipantDescriptor {
	userID := d.UserID
	// pace car and spectators may carry a user id in some session types
	if d.CarIsPaceCar == 1 || d.IsSpectator == 1 {
		userID = -1
	}
	num := d.CarNumberRaw
	if num == 0 && d.CarNumber != "" {
		if n, err := strconv.Atoi(strings.Trim(d.CarNumber, `"`)); err == nil {
			num = n
		}
	}
	return model.ParticipantDescriptor{
		UserID:    userID,
		CarIdx:    d.CarIdx,
		CarPath:   d.CarPath,
		CarNumber: num,
		UserName:  d.UserName,
	}
}
