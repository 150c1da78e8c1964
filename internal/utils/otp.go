package utils

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

// CodeGenerator produces one-time codes.
type CodeGenerator interface {
	NewCode() (string, error)
}

// RandomCodes draws 6-digit codes uniformly from [100000, 999999] using
// crypto/rand.
type RandomCodes struct{}

var codeSpan = big.NewInt(900000)

func (RandomCodes) NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpan)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

// FixedCode always returns the same code.  Used as the test double for
// deterministic OTP scenarios.
type FixedCode string

func (c FixedCode) NewCode() (string, error) { return string(c), nil }
