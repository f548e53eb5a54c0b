// Package authuser models the admin credential store backing the opaque
// subscribe-time token and the CLI's update_user subcommand
// (SPEC_FULL.md §4.D, grounded on rtconfig/auth.py's AuthManager).
package authuser

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// User is one admin credential record, stored in the rt_auth_data namespace
// of whichever storage backend is active.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Token        string    `json:"token"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// NewUser hashes password with bcrypt and mints a fresh opaque token,
// replacing the original's reversible MD5 digest with a salted one-way hash.
func NewUser(username, password string, now time.Time) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	return User{
		Username:     username,
		PasswordHash: string(hash),
		Token:        uuid.NewString(),
		Created:      now,
		Updated:      now,
	}, nil
}

// UpdatePassword re-hashes password and rotates the token, matching
// update_user's "lut" (last-updated-time) touch on every call.
func (u User) UpdatePassword(password string, now time.Time) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	u.PasswordHash = string(hash)
	u.Token = uuid.NewString()
	u.Updated = now
	return u, nil
}

// CheckPassword reports whether password matches the stored hash.
func (u User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}
