package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrWeakPassword       = errors.New("password does not meet requirements")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// PasswordManager hashes and checks account passwords.
type PasswordManager struct {
	minLength int
	cost      int
}

// NewPasswordManager returns a manager requiring at least minLength characters.
func NewPasswordManager(minLength, cost int) *PasswordManager {
	if minLength <= 0 {
		minLength = 6
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordManager{minLength: minLength, cost: cost}
}

// HashPassword validates and hashes a password.
func (pm *PasswordManager) HashPassword(password string) (string, error) {
	if err := pm.ValidatePassword(password); err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), pm.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// ComparePassword reports ErrInvalidCredentials when password does not match.
func (pm *PasswordManager) ComparePassword(hashed, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (pm *PasswordManager) ValidatePassword(password string) error {
	if len(password) < pm.minLength {
		return fmt.Errorf("%w: minimum length is %d characters", ErrWeakPassword, pm.minLength)
	}
	if len(password) > 72 {
		return fmt.Errorf("%w: maximum length is 72 bytes", ErrWeakPassword)
	}
	return nil
}

// NormalizeEmail trims and lowercases an address and checks its shape.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(email) > 255 {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}
