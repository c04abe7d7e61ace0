package trip

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
)

// NewOTP returns a four digit one-time code for pickup or return
// confirmation.
func NewOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		// crypto/rand only fails when the platform entropy source is broken
		return "0000"
	}
	code := n.Int64()
	digits := []byte{
		byte('0' + code/1000%10),
		byte('0' + code/100%10),
		byte('0' + code/10%10),
		byte('0' + code%10),
	}
	return string(digits)
}

// VerifyOTP compares codes in constant time.
func VerifyOTP(stored, supplied string) bool {
	if stored == "" || len(stored) != len(supplied) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}
