package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Status is the lifecycle state of a ride request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusEnRoute   Status = "en_route"
	StatusCancelled Status = "cancelled"
	StatusDeclined  Status = "declined"
	StatusCompleted Status = "completed"
)

// legacyStatusCodes maps the numeric codes older clients still send.
var legacyStatusCodes = map[int]Status{
	1: StatusPending,
	2: StatusAccepted,
	3: StatusEnRoute,
	4: StatusCancelled,
	5: StatusDeclined,
	6: StatusCompleted,
}

// ActiveStatuses are the states that count toward the one-request-per-requester rule.
var ActiveStatuses = []Status{StatusPending, StatusAccepted, StatusEnRoute}

// AssignedStatuses are the states that count toward the one-assignment-per-responder rule.
var AssignedStatuses = []Status{StatusAccepted, StatusEnRoute}

// TerminalStatuses have no outgoing transitions.
var TerminalStatuses = []Status{StatusCancelled, StatusDeclined, StatusCompleted}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusEnRoute, StatusCancelled, StatusDeclined, StatusCompleted:
		return true
	}
	return false
}

func (s Status) Active() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusEnRoute
}

func (s Status) Assigned() bool {
	return s == StatusAccepted || s == StatusEnRoute
}

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusDeclined || s == StatusCompleted
}

// UnmarshalJSON accepts either the status name or a legacy numeric code.
// Unknown values decode without error so callers can reject them explicitly.
func (s *Status) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*s = ParseStatus(name)
		return nil
	}
	var code int
	if err := json.Unmarshal(b, &code); err != nil {
		return err
	}
	if st, ok := legacyStatusCodes[code]; ok {
		*s = st
		return nil
	}
	*s = Status(strconv.Itoa(code))
	return nil
}

// ParseStatus normalizes a status name or numeric code. The result may be invalid.
func ParseStatus(v string) Status {
	if code, err := strconv.Atoi(v); err == nil {
		if st, ok := legacyStatusCodes[code]; ok {
			return st
		}
	}
	return Status(v)
}

// Role is the closed set of caller roles the lifecycle engine understands.
type Role int

const (
	RoleUnknown Role = iota
	RoleRequester
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleRequester:
		return "requester"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// ParseRole maps a credential claim to a Role; unrecognized values yield RoleUnknown.
func ParseRole(v string) Role {
	switch v {
	case "requester", "student", "user":
		return RoleRequester
	case "responder", "staff":
		return RoleResponder
	default:
		return RoleUnknown
	}
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Payload is the opaque portion of a ride request supplied at creation.
type Payload struct {
	Pickup        Coord  `json:"pickup"`
	Dropoff       Coord  `json:"dropoff"`
	PickupLabel   string `json:"pickupLabel,omitempty"`
	DropoffLabel  string `json:"dropoffLabel,omitempty"`
	ServiceAreaID string `json:"serviceAreaId,omitempty"`
	Passengers    int    `json:"passengers,omitempty"`
	Note          string `json:"note,omitempty"`
}

type RideRequest struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requesterId"`
	ResponderID string    `json:"responderId,omitempty"`
	Status      Status    `json:"status"`
	Payload     Payload   `json:"payload"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	// WaitingNumber is computed on read, never stored.
	WaitingNumber int `json:"waitingNumber,omitempty"`
}

// EventType names a lifecycle notification.
type EventType string

const (
	EventRequestCreated EventType = "requestCreated"
	EventStatusChanged  EventType = "statusChanged"
)

type Event struct {
	Type       EventType   `json:"type"`
	Ride       RideRequest `json:"ride"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// Recipients returns the user ids that should hear about a status change.
func (e Event) Recipients() []string {
	out := []string{e.Ride.RequesterID}
	if e.Ride.ResponderID != "" && e.Ride.ResponderID != e.Ride.RequesterID {
		out = append(out, e.Ride.ResponderID)
	}
	return out
}
