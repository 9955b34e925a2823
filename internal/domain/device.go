package domain

import (
	"strings"
	"time"
)

// Device is an end-user device (EUD) known to the server, keyed by the
// client-generated UID.
type Device struct {
	ID            int64
	UID           string
	Callsign      string
	DeviceType    string
	OS            string
	Platform      string
	Version       string
	PhoneNumber   string
	LastEventTime *time.Time
	LastStatus    string
	AccountID     *int64
	OwnerUsername string
}

type UpsertResult int

const (
	UpsertUnchanged UpsertResult = iota
	UpsertInserted
	UpsertUpdated
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertInserted:
		return "inserted"
	case UpsertUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// ClientFamily selects the enrollment response format.
type ClientFamily int

const (
	FamilyATAK ClientFamily = iota
	FamilyITAK
)

func (f ClientFamily) String() string {
	if f == FamilyITAK {
		return "itak"
	}
	return "atak"
}

func ClientFamilyFromUserAgent(userAgent string) ClientFamily {
	if strings.Contains(userAgent, "iTAK") {
		return FamilyITAK
	}
	return FamilyATAK
}
