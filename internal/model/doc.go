// Package model provides the replicated data types shared by every layer of
// lansync: operations, field values, unit records and snapshots.
//
// This package contains type definitions only. All other internal packages
// import model; model imports nothing internal. JSON field names follow the
// wire format used between devices (camelCase, e.g. "opId", "recordID").
//
// Key constraints:
//   - OpID is the idempotency key, unique for the lifetime of a session
//   - Seq is assigned by the acting host only and is nil until then
//   - Field values are a closed set (string, int, bool, time)
package model
