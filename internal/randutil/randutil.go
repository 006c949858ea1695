// Package randutil generates the opaque unique tokens the dispatcher needs:
// leg branch prefixes and per-delivery branch nonces.
package randutil

import (
	"crypto/rand"

	"github.com/google/uuid"
)

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// String returns a random alphanumeric string of length n, suitable for
// embedding in a SIP token (branch parameter, tag, boundary, ...).
func String(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = charset[b%byte(len(charset))]
	}
	return string(buf)
}

// UniqueID returns a globally unique identifier, used for leg branch tags
// (which must be unique across the process lifetime, see spec's Leg invariant).
func UniqueID() string {
	return uuid.NewString()
}
