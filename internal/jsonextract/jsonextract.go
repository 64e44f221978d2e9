// Package jsonextract pulls structured data out of LLM free text.
// Models wrap JSON in prose or markdown fences despite instructions,
// so decoding is best-effort: take the outermost {...} block and parse
// that. Callers own the fallback when nothing parses.
package jsonextract

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoObject is returned when the input contains no {...} block.
var ErrNoObject = errors.New("no JSON object found in text")

// FirstObject returns the outermost {...} block in raw: from the first
// '{' to the last '}'. The bytes are not validated; use Decode for that.
func FirstObject(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return "", ErrNoObject
	}
	return raw[start : end+1], nil
}

// Decode extracts the outermost JSON object from raw and unmarshals it
// into v.
func Decode(raw string, v any) error {
	obj, err := FirstObject(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return err
	}
	return nil
}
