package envelope

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashSize is the content hash size in bytes.
const HashSize = 32

// ContentHash computes the BLAKE3 hash of ciphertext bytes. Blob addresses
// are always computed over ciphertext, never plaintext: nonces make equal
// plaintexts hash differently, so the store cannot be used as a
// confirmation-of-content oracle.
func ContentHash(ciphertext []byte) [HashSize]byte {
	return blake3.Sum256(ciphertext)
}

// ContentAddress returns the hex form of ContentHash, used as the blob key.
func ContentAddress(ciphertext []byte) string {
	h := ContentHash(ciphertext)
	return hex.EncodeToString(h[:])
}

// KeyedHash computes a keyed BLAKE3 digest. key must be 32 bytes. Used for
// blind search tokens and the sharing wrap-key derivation, where output
// must be unforgeable without the key.
func KeyedHash(key, data []byte) ([HashSize]byte, error) {
	var out [HashSize]byte
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return out, err
	}
	_, _ = h.Write(data)
	copy(out[:], h.Sum(nil))
	return out, nil
}
