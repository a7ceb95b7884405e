package session

import (
	"fmt"
	"regexp"
)

// Names end up in ~/.chatsync/sessions/<name>/daemon.sock, and Unix socket
// paths are capped near 104 bytes, so they stay short.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// ValidateName checks that name is usable as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use up to 32 of a-z 0-9 _ -, starting with a letter or digit", name)
	}
	return nil
}
