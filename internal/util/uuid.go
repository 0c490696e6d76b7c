// internal/util/uuid.go
// UUID helpers for the identifiers that DO appear on the wire: node_id,
// conn_id and msg_id are all 128-bit values in canonical 36-char dashed
// form. Generation and validation is centralised here so that every
// component agrees on the exact shape instead of re-deriving a regex.
package util

import "github.com/google/uuid"

// PANNamespace is the fixed namespace used to derive a node_id deterministically
// from a configured textual identifier (UUIDv5).
var PANNamespace = uuid.MustParse("219dd24f-63c4-5e35-b886-da1b21ecc0e0")

// NullID is the all-zero identifier. No validator or server in this module
// compares the from field of a frame received before authentication with
// it; such frames are accepted with any well-formed from.
const NullID = "00000000-0000-0000-0000-000000000000"

// NewUUID returns a fresh random (v4) UUID in canonical dashed form.
func NewUUID() string { return uuid.NewString() }

// NewUUIDv5 derives a stable UUID from name under PANNamespace.
func NewUUIDv5(name string) string {
	return uuid.NewSHA1(PANNamespace, []byte(name)).String()
}

// IsUUID reports whether s is a syntactically valid UUID (any version).
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
