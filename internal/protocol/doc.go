// Package protocol defines the sync message exchanged between the authority
// and its edges, and its CBOR wire encoding.
//
// Every frame on the wire is one CBOR-encoded Message. Entity identifiers are
// split into their most and least significant 64-bit halves. A customer
// reference is always present in entity payloads; the all-zero identifier is
// the "no customer" sentinel and is never omitted.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the same
// message always produces identical bytes.
package protocol
