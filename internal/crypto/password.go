package crypto

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// passwordAlphabet leaves out characters that are easy to misread in email.
const passwordAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultPasswordLength is the length of generated account passwords.
const DefaultPasswordLength = 12

// GeneratePassword returns a random password of n characters.
func GeneratePassword(n int) (string, error) {
	return generatePassword(rand.Reader, n)
}

func generatePassword(r io.Reader, n int) (string, error) {
	if n <= 0 {
		return "", errors.New("password length must be positive")
	}
	max := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(r, max)
		if err != nil {
			return "", err
		}
		out[i] = passwordAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
