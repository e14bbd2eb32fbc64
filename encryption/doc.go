// Package encryption encrypts serialized message bodies for endpoints that
// configure an encryption key. Bodies are sealed with XChaCha20-Poly1305;
// the random nonce is prepended to the ciphertext and the key id travels in
// the x-encryption-key-id header.
package encryption
