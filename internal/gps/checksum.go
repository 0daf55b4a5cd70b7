// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"strings"

	nmea "github.com/adrianmo/go-nmea"
)

// ValidChecksum reports whether s is a "$<payload>*<hh>" sentence whose two hex digit
// checksum equals the XOR of all payload bytes. Malformed sentences are invalid.
func ValidChecksum(s string) bool {
	_, ok := validatedPayload(s)
	return ok
}

// validatedPayload returns the text between "$" and "*" when the checksum holds.
func validatedPayload(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "$") {
		return "", false
	}
	star := strings.LastIndexByte(s, '*')
	if star < 1 || len(s) != star+3 {
		return "", false
	}
	payload := s[1:star]
	if !strings.EqualFold(nmea.Checksum(payload), s[star+1:star+3]) {
		return "", false
	}
	return payload, true
}

// AppendChecksum wraps payload as a complete sentence: "$" + payload + "*" + checksum.
func AppendChecksum(payload string) string {
	return "$" + payload + "*" + nmea.Checksum(payload)
}
