package models

import (
	"strconv"
	"strings"
	"time"
)

// State is a dispatcher loop state.
type State string

const (
	StateIdle        State = "IDLE"
	StateChecking    State = "CHECKING"
	StateDispatching State = "DISPATCHING"
	StateRecovering  State = "RECOVERING"
)

// Street attribute names on the streets reference layer.
const (
	StreetFromField = "L_ADD_FROM"
	StreetToField   = "L_ADD_TO"
	StreetNameField = "FULL_NAME"
	StreetCityField = "L_CITY"
)

type Street struct {
	AddressFrom string
	AddressTo   string
	Name        string
	City        string
}

func StreetFromFeature(f Feature) Street {
	return Street{
		AddressFrom: f.String(StreetFromField),
		AddressTo:   f.String(StreetToField),
		Name:        f.String(StreetNameField),
		City:        f.String(StreetCityField),
	}
}

func (s Street) String() string {
	return s.AddressFrom + " to " + s.AddressTo + " " + s.Name + ", " + s.City
}

// NotificationEvent is built once per dispatch cycle and never stored.
type NotificationEvent struct {
	EditDate      int64 // triggering watched-layer timestamp, epoch ms
	ParcelsAtRisk int
	Streets       []Street
	DeepLink      string
}

// StreetsMessage is the multi-line listing sent to chat and speech.
func (e NotificationEvent) StreetsMessage() string {
	var b strings.Builder
	b.WriteString("Found ")
	b.WriteString(strconv.Itoa(len(e.Streets)))
	b.WriteString(" streets in danger. List below:")
	for _, s := range e.Streets {
		b.WriteString("\n")
		b.WriteString(s.String())
	}
	return b.String()
}

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// DispatchRun is the audit record of one dispatch cycle.
type DispatchRun struct {
	ID             string    `json:"id"`
	EditDate       int64     `json:"editDate"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	ParcelsAtRisk  int       `json:"parcelsAtRisk"`
	StreetsAtRisk  int       `json:"streetsAtRisk"`
	PerimeterAcres float64   `json:"perimeterAcres"`
	NotifyFailures int       `json:"notifyFailures"`
	Status         RunStatus `json:"status"`
	Error          string    `json:"error,omitempty"`
}

// Recovery is the audit record of one RECOVERING transition.
type Recovery struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Reason    string    `json:"reason"`
	Baseline  int64     `json:"baseline"`
	Succeeded bool      `json:"succeeded"`
}
