// Package ir holds the canonical value model and the governance record types
// shared by every other warden package.
//
// ir imports nothing internal. Plans, payloads and audit metadata are carried
// as Object values so they can be canonicalized and hashed deterministically:
//   - no float types anywhere; numbers are int64
//   - object keys are ordered by UTF-16 code units when serialized
//   - strings are NFC normalized at the serialization boundary
package ir
