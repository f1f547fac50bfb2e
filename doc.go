// Package tftp implements a TFTP server and client supporting RFC 1350
// and the RFC 2347/2348/2349 option-negotiation extensions (blksize,
// timeout, tsize).
//
// A Server dispatches inbound RRQ/WRQ packets to per-transfer Sessions,
// each bound to its own ephemeral UDP socket, the way a classic TFTP
// daemon does. A Client drives a single Session synchronously to
// completion in the caller's goroutine. Both share the same session state
// machine in session.go; only the direction of the DATA/ACK flow and how
// the transfer is initiated differ between the four roles.
package tftp
