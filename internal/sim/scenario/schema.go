package scenario

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed scenario.schema.json
var schemaSource string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

func compiled() *jsonschema.Schema {
	schemaOnce.Do(func() {
		schema = jsonschema.MustCompileString("scenario.schema.json", schemaSource)
	})
	return schema
}

// Validate checks a decoded document against the scenario schema. raw may come
// from either a YAML or a JSON decoder; it is normalized to JSON values first.
func Validate(raw any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	if err := compiled().Validate(doc); err != nil {
		var se *jsonschema.ValidationError
		if errors.As(err, &se) {
			ve := &ValidationError{}
			for _, p := range leafProblems(se) {
				ve.add(nil, "%s", p)
			}
			return ve
		}
		return fmt.Errorf("scenario: %w", err)
	}
	return nil
}

func leafProblems(e *jsonschema.ValidationError) []string {
	if len(e.Causes) == 0 {
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + e.Message}
	}
	var out []string
	for _, c := range e.Causes {
		out = append(out, leafProblems(c)...)
	}
	sort.Strings(out)
	return out
}
