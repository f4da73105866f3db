// Package protocol owns the structured message contract exchanged between mesh peers.
//
// Ownership boundary:
// - message kinds and payload shapes
// - envelope encode/decode for byte-oriented transports
// - payload validation
//
// Raw binary frames live in the frame subpackage.
package protocol
