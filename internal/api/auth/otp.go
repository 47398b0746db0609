package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const otpLength = 6

// generateCode returns a uniformly random numeric code of n digits.
func generateCode(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("invalid code length")
	}
	buf := make([]byte, n)
	ten := big.NewInt(10)
	for i := range buf {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + d.Int64())
	}
	return string(buf), nil
}
