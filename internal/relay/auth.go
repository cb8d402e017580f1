package relay

import (
	"encoding/binary"

	"github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/identity"
)

// authDomainPrefix domain-separates the relay auth signature from every
// other use of the device's Ed25519 identity key.
const authDomainPrefix = "toss-relay-auth-v1"

func buildAuthMessage(deviceID identity.DeviceID, timestamp int64) []byte {
	msg := make([]byte, 0, len(authDomainPrefix)+identity.DeviceIDSize+8)
	msg = append(msg, authDomainPrefix...)
	msg = append(msg, deviceID.Bytes()...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(timestamp))
	msg = append(msg, tsBuf[:]...)
	return msg
}

func signAuth(kp *crypto.SigningKeypair, deviceID identity.DeviceID, timestamp int64) [64]byte {
	return kp.Sign(buildAuthMessage(deviceID, timestamp))
}

// VerifyAuth checks an Ed25519 signature over the relay auth message. It
// exists for test fakes and for relay-side verification harnesses; the
// real relay server is an external collaborator, not code in this repo.
func VerifyAuth(pub [32]byte, deviceID identity.DeviceID, timestamp int64, sig [64]byte) bool {
	return crypto.Verify(pub, buildAuthMessage(deviceID, timestamp), sig)
}
