package bidding

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// HMACVerifier accepts a proof equal to HMAC-SHA256(secret, "<id>:completed")
// in hex. The challenge front end mints the token once the bidder passes.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Token returns the proof for a completed challenge.
func (v *HMACVerifier) Token(challengeID uuid.UUID) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(challengeID.String() + ":completed"))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *HMACVerifier) Verify(challengeID uuid.UUID, proof string) bool {
	got, err := hex.DecodeString(proof)
	if err != nil || len(v.secret) == 0 {
		return false
	}
	want, _ := hex.DecodeString(v.Token(challengeID))
	return hmac.Equal(got, want)
}
