package instance

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	letters       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alphanumerics = letters + "0123456789"
	randomLength  = 30
	// passwordPrefix guarantees a password starting with a letter and containing a digit.
	passwordPrefix = "a1"
)

// Generator comes up with names and passwords of schemas created without them.
type Generator interface {
	Name() (string, error)
	Password() (string, error)
}

// RandomGenerator generates names of 30 letters and passwords of 30 letters and digits.
type RandomGenerator struct{}

func (RandomGenerator) Name() (string, error) {
	return random(letters, randomLength)
}

func (RandomGenerator) Password() (string, error) {
	s, err := random(alphanumerics, randomLength-len(passwordPrefix))
	if err != nil {
		return "", err
	}
	return passwordPrefix + s, nil
}

func random(alphabet string, length int) (string, error) {
	var b strings.Builder
	b.Grow(length)

	limit := big.NewInt(int64(len(alphabet)))
	for range length {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}
