package bus

import "strings"

// Reserved channel prefixes and well-known channel names. Channel
// names are case-sensitive.
const (
	RidePrefix   = "ride:"
	DriverPrefix = "driver:"
	H3Prefix     = "h3:"

	AvailableDrivers = "available-drivers"
	DriverLocations  = "driver-locations"
)

// RideChannel addresses both parties of a ride.
func RideChannel(rideID string) string { return RidePrefix + rideID }

// DriverChannel addresses a single driver. The id must be a resolved
// driverId, never a raw userId from a client token.
func DriverChannel(driverID string) string { return DriverPrefix + driverID }

// CellChannel addresses every driver subscribed to an H3 cell.
func CellChannel(h3Index string) string { return H3Prefix + h3Index }

// CellChannels maps a set of cells to their channels.
func CellChannels(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = CellChannel(c)
	}
	return out
}

// ChannelKind reports the reserved family a channel belongs to.
func ChannelKind(channel string) string {
	switch {
	case strings.HasPrefix(channel, RidePrefix):
		return "ride"
	case strings.HasPrefix(channel, DriverPrefix):
		return "driver"
	case strings.HasPrefix(channel, H3Prefix):
		return "h3"
	case channel == AvailableDrivers, channel == DriverLocations:
		return "broadcast"
	default:
		return "unknown"
	}
}
