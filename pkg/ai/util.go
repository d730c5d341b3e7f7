package ai

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// GenerateSchema creates a JSON Schema from the given Go type, suitable for
// provider-side structured output enforcement.
func GenerateSchema(value any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	v := reflect.New(t).Interface()
	return reflector.Reflect(v)
}

// ExtractFencedBlock returns the body of the first fenced code block in the
// text, optionally filtered by language tag ("json", "mermaid", ...). The
// second return value reports whether a block was found. Models routinely
// wrap their payload in markdown fences despite being told not to.
func ExtractFencedBlock(text, lang string) (string, bool) {
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return "", false
		}
		rest = rest[start+3:]

		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return "", false
		}
		tag := strings.TrimSpace(rest[:nl])
		body := rest[nl+1:]

		end := strings.Index(body, "```")
		if end < 0 {
			return "", false
		}

		if lang == "" || strings.EqualFold(tag, lang) || tag == "" {
			return strings.TrimSpace(body[:end]), true
		}
		rest = body[end+3:]
	}
}

func stripDuplicateLeadingBrace(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		rest := strings.TrimSpace(s[1:])
		if strings.HasPrefix(rest, "{") {
			return rest
		}
	}
	return s
}

// UnmarshalFlexible attempts to unmarshal JSON into the target with multiple
// fallback strategies: standard unmarshaling, double-encoded strings, a
// fenced ```json block, and finally jsonrepair over malformed output.
//
// This is the parse path for model-generated JSON, which is frequently
// truncated, single-quoted, or wrapped in markdown.
func UnmarshalFlexible(input string, out any) error {
	input = strings.TrimSpace(input)

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal([]byte(input), &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if err := json.Unmarshal([]byte(asString), out); err == nil {
			return nil
		}
		input = asString
	}

	if block, ok := ExtractFencedBlock(input, "json"); ok {
		if err := json.Unmarshal([]byte(block), out); err == nil {
			return nil
		}
		input = block
	}

	input = stripDuplicateLeadingBrace(input)
	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w (input: %s)", err, input)
	}

	if err := json.Unmarshal([]byte(repaired), out); err == nil {
		return nil
	}

	return fmt.Errorf(
		"unmarshal failed after repair: input=%s repaired=%s",
		input, repaired,
	)
}
