package broker

import (
	"strings"

	"github.com/raahi/dispatch/internal/bus"
)

// Subject hierarchy mirrors the channel names, with NATS "." tokens in
// place of "/" separators:
//
//	raahi.driver.<id>.location
//	raahi.driver.<id>.events
//	raahi.ride.<id>.{status,location,chat}
//	raahi.h3.<cell>.requests
//	raahi.broadcast.rides
//	raahi.broadcast.locations
const subjectRoot = "raahi"

// SubjectFor maps a bus channel plus event type to its subject.
func SubjectFor(channel string, event bus.Event) string {
	switch {
	case strings.HasPrefix(channel, bus.RidePrefix):
		rideID := strings.TrimPrefix(channel, bus.RidePrefix)
		return subjectRoot + ".ride." + rideID + "." + rideSuffix(event)
	case strings.HasPrefix(channel, bus.DriverPrefix):
		driverID := strings.TrimPrefix(channel, bus.DriverPrefix)
		if _, ok := event.(bus.DriverLocation); ok {
			return DriverLocationSubject(driverID)
		}
		return subjectRoot + ".driver." + driverID + ".events"
	case strings.HasPrefix(channel, bus.H3Prefix):
		cell := strings.TrimPrefix(channel, bus.H3Prefix)
		return subjectRoot + ".h3." + cell + ".requests"
	case channel == bus.AvailableDrivers:
		return subjectRoot + ".broadcast.rides"
	case channel == bus.DriverLocations:
		return subjectRoot + ".broadcast.locations"
	default:
		return subjectRoot + ".misc." + strings.ReplaceAll(channel, ":", ".")
	}
}

// DriverLocationSubject is the retained per-driver location topic.
func DriverLocationSubject(driverID string) string {
	return subjectRoot + ".driver." + driverID + ".location"
}

// DriverFromLocationSubject extracts the driver id, or "" when the
// subject is not a driver location topic.
func DriverFromLocationSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) == 4 && parts[0] == subjectRoot && parts[1] == "driver" && parts[3] == "location" {
		return parts[2]
	}
	return ""
}

// atMostOnce reports whether a subject carries location traffic, which
// is published without delivery guarantees: drops are acceptable under
// load, ordering is not promised.
func atMostOnce(subject string) bool {
	return strings.HasSuffix(subject, ".location") || strings.HasSuffix(subject, ".locations")
}

func rideSuffix(event bus.Event) string {
	switch event.(type) {
	case bus.DriverLocation:
		return "location"
	case bus.RideChatMessage:
		return "chat"
	default:
		return "status"
	}
}
