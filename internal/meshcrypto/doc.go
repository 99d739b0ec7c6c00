// Package meshcrypto holds the key derivation and sealing primitives used on
// MeshCore frames.
//
// Group traffic is sealed with XChaCha20-Poly1305 under a key expanded by
// HKDF-SHA256 from the channel key material. Direct traffic uses NaCl box
// between the two nodes' X25519 keys.
package meshcrypto
