package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"cuedeck/internal/config"
)

// Operator is the single account allowed to drive the console remotely
type Operator struct {
	username string
	hash     string
}

// NewOperator builds the operator from config. A plaintext password is
// hashed into cfg.PasswordHash and cleared; when neither is set a random
// password is generated and printed once. changed reports that cfg should
// be written back to disk.
func NewOperator(cfg *config.AuthConfig) (op *Operator, changed bool, err error) {
	switch {
	case cfg.Password != "":
		hash, err := hashPassword(cfg.Password)
		if err != nil {
			return nil, false, fmt.Errorf("failed to hash operator password: %w", err)
		}
		cfg.PasswordHash = hash
		cfg.Password = ""
		changed = true

	case cfg.PasswordHash == "":
		password, err := generateRandomPassword(12)
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate operator password: %w", err)
		}
		hash, err := hashPassword(password)
		if err != nil {
			return nil, false, fmt.Errorf("failed to hash operator password: %w", err)
		}
		cfg.PasswordHash = hash
		changed = true

		// Print the generated password to stdout so the operator can see it
		fmt.Printf("\n"+
			"=====================================\n"+
			"OPERATOR CREDENTIAL CREATED\n"+
			"=====================================\n"+
			"Username: %s\n"+
			"Password: %s\n"+
			"=====================================\n"+
			"Set [auth] password in config.toml to change it\n\n", cfg.Username, password)

	case !isHashedPassword(cfg.PasswordHash):
		return nil, false, fmt.Errorf("auth password_hash is not a bcrypt hash")
	}

	return &Operator{username: cfg.Username, hash: cfg.PasswordHash}, changed, nil
}

// Username returns the operator login name
func (o *Operator) Username() string {
	return o.username
}

// Authenticate checks if the provided username and password are valid
func (o *Operator) Authenticate(username, password string) bool {
	if subtle.ConstantTimeCompare([]byte(username), []byte(o.username)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(o.hash), []byte(password)) == nil
}

// hashPassword hashes a plaintext password using bcrypt
func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// isHashedPassword checks if a password string is already hashed
func isHashedPassword(password string) bool {
	// bcrypt hashes have a specific format: $2a$, $2b$, $2x$, or $2y$ followed by cost and salt
	return len(password) >= 4 &&
		password[0] == '$' &&
		password[1] == '2' &&
		(password[2] == 'a' || password[2] == 'b' || password[2] == 'x' || password[2] == 'y') &&
		password[3] == '$'
}

// generateRandomPassword generates a cryptographically secure random password
func generateRandomPassword(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:length], nil
}
