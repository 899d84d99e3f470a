// Package voippkt implements the voip wire frame: an 8-byte big-endian
// length prefix, a MessagePack-encoded header (message type, declared
// payload length, author UUID), and the raw payload, all inside a single
// datagram of at most MTUMax bytes.
package voippkt
