package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HMACSHA256 computes an HMAC-SHA256 tag over msg under key, used for the
// pairing confirmation MAC transmitted over code ∥ both_public_keys.
func HMACSHA256(key [KeySize]byte, msg []byte) [32]byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(msg)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
