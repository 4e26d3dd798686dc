// Package codec implements the reversible byte transform applied to tunnel
// payloads before they touch the wire. With no key configured the transform is
// the identity; with a key, frames are padded and masked with a keystream
// derived from the key so that the plaintext length and byte distribution are
// hidden from on-path observers.
package codec
