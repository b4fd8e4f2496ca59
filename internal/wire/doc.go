// Package wire implements the lansync metadata protocol framing.
//
// Every message on a metadata connection is a frame:
//
//	[4-byte big-endian body length][JSON body]
//
// The body is an envelope {"type": ..., "payload": ...} whose payload is the
// JSON encoding of the typed message for that type, carried as an opaque byte
// string (base64 in JSON). Bare notifications omit the payload.
//
// Frames larger than MaxFrameSize are a protocol error. Decoding is resumable:
// feeding bytes as they arrive yields the same messages as decoding the fully
// buffered stream once.
//
// Conn wraps a net.Conn with an in-order read loop and a write pump fed by a
// bounded send queue. A peer that falls a full queue behind is disconnected
// rather than buffered without limit.
package wire
