// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package template

import (
	"net/mail"
	"strings"
)

// RecipientValidation reports the outcome of validating a recipient list.
type RecipientValidation struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// ValidateRecipients checks recipient syntax, flags duplicates as warnings,
// and rejects lists exceeding the limit.
func ValidateRecipients(recipients []string, limit int) RecipientValidation {
	var res RecipientValidation

	if recipients == nil {
		res.Errors = append(res.Errors, "recipients must be a list")
		return res
	}
	if limit > 0 && len(recipients) > limit {
		res.Errors = append(res.Errors, "recipient count exceeds limit")
		return res
	}

	seen := make(map[string]bool, len(recipients))
	for _, rcpt := range recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			res.Errors = append(res.Errors, "invalid recipient: "+rcpt)
			continue
		}
		key := strings.ToLower(strings.TrimSpace(rcpt))
		if seen[key] {
			res.Warnings = append(res.Warnings, "duplicate recipient: "+rcpt)
			continue
		}
		seen[key] = true
	}

	res.Valid = len(res.Errors) == 0
	return res
}
