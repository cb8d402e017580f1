package relay

import (
	"testing"
	"time"

	"github.com/tosslabs/toss-core/internal/crypto"
	"github.com/tosslabs/toss-core/internal/identity"
)

func TestSignAndVerifyAuthRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	deviceID := identity.DeviceIDFromPublicKey(kp.PublicKey)
	ts := time.Now().Unix()

	sig := signAuth(kp, deviceID, ts)

	if !VerifyAuth(kp.PublicKey, deviceID, ts, sig) {
		t.Error("VerifyAuth() = false for a valid signature")
	}
}

func TestVerifyAuthRejectsTamperedTimestamp(t *testing.T) {
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	deviceID := identity.DeviceIDFromPublicKey(kp.PublicKey)
	ts := time.Now().Unix()

	sig := signAuth(kp, deviceID, ts)

	if VerifyAuth(kp.PublicKey, deviceID, ts+1, sig) {
		t.Error("VerifyAuth() = true for a tampered timestamp")
	}
}

func TestVerifyAuthRejectsWrongDevice(t *testing.T) {
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	other, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	ts := time.Now().Unix()
	sig := signAuth(kp, identity.DeviceIDFromPublicKey(kp.PublicKey), ts)

	wrongID := identity.DeviceIDFromPublicKey(other.PublicKey)
	if VerifyAuth(kp.PublicKey, wrongID, ts, sig) {
		t.Error("VerifyAuth() = true for a mismatched device ID")
	}
}
