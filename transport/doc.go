// Package transport exposes the governance event stream to external
// observers over WebSocket.
//
// A Feed upgrades HTTP requests, attaches each connection to the event
// bus with a per-connection subscription, and pumps matching events to
// the client as JSON frames. Observers narrow what they receive with
// query parameters:
//
//	GET /events                              all events
//	GET /events?types=a,b                    exact type list
//	GET /events?pattern=consensus.*&kind=glob  type pattern
//
// Delivery to observers is best-effort: a slow client's queue fills and
// events are dropped for that client only, never buffered unboundedly
// and never blocking the bus.
package transport
