package go_adminconsole

import "strings"

// ObfuscateEmail hides most of the local part of an email address so that it can be logged.
func ObfuscateEmail(email string) string {
	if strings.Contains(email, "@") {
		parts := strings.SplitN(email, "@", 2)
		if len(parts) == 2 {
			return ObfuscateEmail(parts[0]) + "@" + parts[1]
		}
	}

	if len(email) < 5 {
		return email
	}

	return email[:2] + strings.Repeat("*", len(email)-4) + email[len(email)-2:]
}
