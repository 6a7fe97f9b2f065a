package helpers

import (
	"strings"

	"github.com/juju/errors"
)

// FoldErrors joins non-nil errs into one, line per error.
// Single error is returned as is to keep its type and stack.
func FoldErrors(errs []error) error {
	var first error
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			if first == nil {
				first = e
			}
			ss = append(ss, e.Error())
		}
	}
	switch len(ss) {
	case 0:
		return nil
	case 1:
		return first
	}
	return errors.New(strings.Join(ss, "\n"))
}
