package workspace

import (
	"fmt"
	"regexp"
)

var idRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateID checks that id conforms to workspace naming rules. The rule
// also keeps ids safe for use as directory names.
func ValidateID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("invalid workspace id %q: must match ^[a-z0-9_-]{1,64}$", id)
	}
	return nil
}
