// Package transport implements the asynchronous UDP transports: a client
// bound to one remote peer and a relay server that fans frames out to a
// registry of peers.
//
// Each transport runs a single background pump goroutine that is the only
// code issuing sends on the socket; a companion read loop is the only code
// issuing receives. Application code talks to a transport exclusively
// through bounded queues, so backpressure propagates naturally: a full
// outbound queue suspends the producer, and a full inbound queue stalls the
// pump, which in turn throttles further socket reads.
package transport
