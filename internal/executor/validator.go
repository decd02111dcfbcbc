package executor

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var ErrJobNotAllowed = errors.New("job not allowed")

// Validator decides which catalog jobs may be submitted over the API.
// Patterns use path.Match syntax, so "reports.*" admits every reports job.
type Validator struct {
	patterns []string
}

// NewValidator rejects malformed patterns. An empty list allows every
// catalog job.
func NewValidator(patterns []string) (*Validator, error) {
	v := &Validator{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("allowed job pattern %q: %w", p, err)
		}
		v.patterns = append(v.patterns, p)
	}
	return v, nil
}

func (v *Validator) Validate(name string) error {
	if len(v.patterns) == 0 {
		return nil
	}
	for _, p := range v.patterns {
		if ok, _ := path.Match(p, name); ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrJobNotAllowed, name)
}
