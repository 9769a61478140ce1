// Package serializer converts common.Message values to bytes and back.
//
// Three implementations share the IRPCSerializer interface:
//
//   - Binary: a flag based format that only encodes present fields. Smallest and
//     fastest, used between members of the placement center and by the CLI.
//   - JSON: human readable, useful together with the http transport and for debugging.
//   - GOB: Go's own format, kept for compatibility tests.
//
// Malformed input always yields an error wrapping ErrDecode, so callers can tell
// a broken peer from a failed operation.
//
// All serializers are stateless and safe for concurrent use.
package serializer
