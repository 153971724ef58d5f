package paths

import (
	"fmt"
	"regexp"
)

var accountIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateAccountID checks that id is safe to use as a directory name.
func ValidateAccountID(id string) error {
	if !accountIDRegexp.MatchString(id) {
		return fmt.Errorf("invalid account id %q: must match ^[A-Za-z0-9_-]{1,64}$", id)
	}
	return nil
}
