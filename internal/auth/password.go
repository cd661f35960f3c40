package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost trades login latency against brute-force resistance.
	bcryptCost = 12

	// MinPasswordLength applies to operator-chosen passwords.
	MinPasswordLength = 12

	// maxPasswordBytes is bcrypt's input limit. Anything longer would be
	// silently truncated, so it is rejected up front instead.
	maxPasswordBytes = 72
)

// burnHash is a well-formed cost-12 hash that matches no password. It
// exists so login can spend a comparison on unknown usernames too.
const burnHash = "$2a$12$invalidinvalidinvalidinvalidinvalidinvalidinvalidinva"

// HashPassword derives the bcrypt hash stored in the users table.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPasswordHash reports whether password matches the stored hash.
func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// BurnPasswordCheck runs a full-cost comparison that always fails, so a
// login against a nonexistent user takes as long as one against a real
// user with a wrong password.
func BurnPasswordCheck(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(burnHash), []byte(password))
}

// ValidatePasswordComplexity enforces length bounds. There are no
// character-class rules; length is what matters.
func ValidatePasswordComplexity(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return fmt.Errorf("password must be at most %d bytes", maxPasswordBytes)
	}
	return nil
}
