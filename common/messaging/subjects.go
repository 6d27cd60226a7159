// Package messaging defines standard subject names for the mesa message bus.
package messaging

import "strings"

// Subjects follow the pattern erp.restaurant.{restaurant_id}.events.{event}.
// Event names may contain ':' (e.g. "cash:movement_added"); NATS tokens are
// separated by '.', so the colon is kept as-is.
const (
	SubjectPrefix = "erp.restaurant"

	// SubjectAllRestaurantEvents matches every restaurant room.
	SubjectAllRestaurantEvents = SubjectPrefix + ".*.events.>"

	// StreamERPEvents is the JetStream stream capturing restaurant events.
	StreamERPEvents = "ERP_EVENTS"
)

// Queue group names for load-balanced consumers.
const (
	QueueGatewayWorkers = "gateway-workers"
)

// RestaurantEventSubject returns the subject for one event in one room.
// Example: erp.restaurant.r-1.events.new_order
func RestaurantEventSubject(restaurantID, event string) string {
	return SubjectPrefix + "." + sanitizeToken(restaurantID) + ".events." + sanitizeToken(event)
}

// RestaurantRoomSubject returns the wildcard subject for every event of a room.
// Example: erp.restaurant.r-1.events.>
func RestaurantRoomSubject(restaurantID string) string {
	return SubjectPrefix + "." + sanitizeToken(restaurantID) + ".events.>"
}

// ParseRestaurantEventSubject splits a room subject back into restaurant id and
// event name. ok is false when subject is not a restaurant event subject.
func ParseRestaurantEventSubject(subject string) (restaurantID, event string, ok bool) {
	rest, found := strings.CutPrefix(subject, SubjectPrefix+".")
	if !found {
		return "", "", false
	}
	restaurantID, rest, found = strings.Cut(rest, ".")
	if !found || restaurantID == "" {
		return "", "", false
	}
	event, found = strings.CutPrefix(rest, "events.")
	if !found || event == "" {
		return "", "", false
	}
	return restaurantID, event, true
}

// sanitizeToken strips characters that would split or wildcard a NATS token.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
