// Package identity validates caller-supplied session ids and normalises
// recipient and contact identifiers to network addresses.
package identity

import (
	"regexp"
	"strings"
)

// UserServer is the address suffix for individual accounts.
const UserServer = "s.whatsapp.net"

var (
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
	digitsPattern    = regexp.MustCompile(`^\+?[0-9]{5,20}$`)
)

// ValidSessionID reports whether id is safe to use as a registry key and as
// a directory name in the file auth store.
func ValidSessionID(id string) bool {
	if id == "." || id == ".." {
		return false
	}
	return sessionIDPattern.MatchString(id)
}

// NormalizeRecipient turns a bare phone number into a user address. Values
// that already carry a server part are returned trimmed but otherwise
// unchanged.
func NormalizeRecipient(recipient string) string {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || strings.Contains(recipient, "@") {
		return recipient
	}
	return strings.TrimPrefix(recipient, "+") + "@" + UserServer
}

// ValidRecipient reports whether recipient is a phone number or an address.
func ValidRecipient(recipient string) bool {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return false
	}
	if strings.Contains(recipient, "@") {
		user, server, _ := strings.Cut(recipient, "@")
		return user != "" && server != ""
	}
	return digitsPattern.MatchString(recipient)
}
