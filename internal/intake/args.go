package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// flexInt accepts a JSON number or a numeric string. Fractions are rounded.
type flexInt struct {
	Value int
	Set   bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		f.Value, f.Set = int(math.Round(n)), true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("expected a number, got %s", string(b))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseFloat(strings.Fields(s)[0], 64)
	if err != nil {
		return fmt.Errorf("expected a number, got %q", s)
	}
	f.Value, f.Set = int(math.Round(n)), true
	return nil
}

// Ptr returns nil when the value was not provided.
func (f flexInt) Ptr() *int {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var i flexInt
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		f.Value, f.Set = n, true
		return nil
	}
	if err := i.UnmarshalJSON(b); err != nil {
		return err
	}
	f.Value, f.Set = float64(i.Value), i.Set
	return nil
}

// flexBool accepts a JSON bool or yes/no style strings.
type flexBool struct {
	Value bool
	Set   bool
}

func (f *flexBool) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		f.Value, f.Set = v, true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("expected a boolean, got %s", string(b))
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1":
		f.Value, f.Set = true, true
	case "false", "no", "n", "0":
		f.Value, f.Set = false, true
	case "":
	default:
		return fmt.Errorf("expected a boolean, got %q", s)
	}
	return nil
}

// stringList accepts either a JSON array of strings or a single comma separated string.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*l = cleanList(list)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("expected a list of strings, got %s", string(b))
	}
	*l = cleanList(strings.Split(s, ","))
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// appendUnique appends items not already present (case-insensitive) and reports how many were added.
func appendUnique(dst []string, items []string) ([]string, int) {
	seen := make(map[string]bool, len(dst))
	for _, d := range dst {
		seen[strings.ToLower(d)] = true
	}
	added := 0
	for _, item := range items {
		key := strings.ToLower(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		dst = append(dst, item)
		added++
	}
	return dst, added
}
