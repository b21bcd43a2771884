package store

import (
	"database/sql"
	"encoding/json"
	"regexp"
)

// The ref column carries three historical encodings: NULL, a bare string, and
// a JSON array of strings. Reads canonicalise to a string slice; writes
// always produce a JSON array, or NULL when the set is empty.

func decodeRefs(ref sql.NullString) []string {
	if !ref.Valid || ref.String == "" {
		return nil
	}

	var list []string
	if err := json.Unmarshal([]byte(ref.String), &list); err == nil {
		return list
	}

	var single string
	if err := json.Unmarshal([]byte(ref.String), &single); err == nil {
		return []string{single}
	}

	// Bare (non-JSON) string
	return []string{ref.String}
}

func encodeRefs(refs []string) interface{} {
	if len(refs) == 0 {
		return nil
	}
	encoded, err := json.Marshal(refs)
	if err != nil {
		return nil
	}
	return string(encoded)
}

// compileFullMatch compiles a stored pattern for case-insensitive full-string
// matching, as the pattern tables expect.
func compileFullMatch(expr string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?i)\A(?:` + expr + `)\z`)
}
