package eager

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// newExecutionID returns a unique execution identifier prefixed with a
// normalized form of name so executions are recognizable in consoles.
func newExecutionID(name string) string {
	return fmt.Sprintf("%s-%s", slug(name), uuid.NewString())
}

// slug lowercases name and replaces characters outside [a-z0-9-] with dashes.
func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "eager"
	}
	return s
}
