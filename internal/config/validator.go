package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation over the whole tree plus the
// cross-fragment invariants struct tags cannot express: unique ids within
// a category and across categories (a module id is a bus-wide handle, so
// collisions would be ambiguous), grounded on the teacher's
// update_validator.go's "tag validation plus hand-written cross-field
// checks" split.
func Validate(t *Tree) error {
	if err := validate.Struct(t); err != nil {
		return err
	}
	seen := make(map[string]string, len(t.Fragments()))
	for _, cf := range t.Fragments() {
		if prevCategory, ok := seen[cf.Fragment.ID]; ok {
			return fmt.Errorf("config: duplicate module id %q in %q and %q", cf.Fragment.ID, prevCategory, cf.Category)
		}
		seen[cf.Fragment.ID] = cf.Category
	}
	for _, s := range t.Resilience.Scenarios {
		if s.DropProbability < 0 || s.DropProbability > 1 {
			return fmt.Errorf("config: resilience scenario %q drop_probability %v out of [0,1]", s.ID, s.DropProbability)
		}
	}
	return nil
}
