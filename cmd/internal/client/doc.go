// Package client is the consumer side of the session API.
//
// HTTPClient speaks the /sessions HTTP contract. Reconciler keeps one device's
// view of its session in step with the server: it validates a stored id on
// start, logs in when needed, holds the device-choice offer when the user is
// at the limit, and polls (or listens to the event feed) to notice eviction.
package client
