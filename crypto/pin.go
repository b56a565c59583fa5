package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// PINLength is the number of digits in a one-time pairing PIN.
const PINLength = 6

var pinDigitMax = big.NewInt(10)

// GeneratePIN returns a fixed-length numeric PIN from a cryptographically
// secure source.
func GeneratePIN() (string, error) {
	digits := make([]byte, PINLength)
	for i := range digits {
		n, err := rand.Int(rand.Reader, pinDigitMax)
		if err != nil {
			return "", fmt.Errorf("generate PIN digit: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
