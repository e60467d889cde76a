// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Strength grades a secret key.
type Strength string

// Secret strength grades.
const (
	StrengthWeak       Strength = "weak"
	StrengthAcceptable Strength = "acceptable"
	StrengthStrong     Strength = "strong"
)

// Validation is the outcome of checking a secret key.
type Validation struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Strength Strength
}

// MinSecretLength is the minimum accepted secret key length.
const MinSecretLength = 32

// StrongSecretLength is the length at which a secret is graded strong.
const StrongSecretLength = 64

// ValidateSecretKey checks length and rejects trivially guessable patterns.
func ValidateSecretKey(key string) Validation {
	var v Validation
	v.Strength = StrengthWeak

	if len(key) < MinSecretLength {
		v.Errors = append(v.Errors, "secret key must be at least 32 characters")
		return v
	}

	allDigits := true
	allLetters := true
	for _, r := range key {
		if !unicode.IsDigit(r) {
			allDigits = false
		}
		if !unicode.IsLetter(r) {
			allLetters = false
		}
	}
	if allDigits {
		v.Errors = append(v.Errors, "secret key must not be all digits")
	}
	if allLetters {
		v.Errors = append(v.Errors, "secret key must not be all letters")
	}
	if run := longestRun(key); run >= 8 {
		v.Errors = append(v.Errors, "secret key contains a long run of repeated characters")
	}

	if len(v.Errors) > 0 {
		return v
	}

	v.Valid = true
	if len(key) >= StrongSecretLength {
		v.Strength = StrengthStrong
	} else {
		v.Strength = StrengthAcceptable
		v.Warnings = append(v.Warnings, "secret keys of 64 or more characters are recommended")
	}
	return v
}

func longestRun(s string) int {
	longest, current := 0, 0
	var prev rune
	for i, r := range s {
		if i > 0 && r == prev {
			current++
		} else {
			current = 1
		}
		if current > longest {
			longest = current
		}
		prev = r
	}
	return longest
}

// Fingerprint returns a short stable identifier for a credential, used to
// key connection pools without retaining the credential itself.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:8])
}
