package maker

import (
	"encoding/json"
	"strings"
)

// ExtractLastJSONObject returns the last complete top-level JSON object in
// text. Samplers routinely append commentary after the payload ("Here is the
// JSON you asked for ... hope that helps!"), so the payload is whichever
// object completes last, not the first brace pair. Nested objects inside a
// decoded object are not candidates. Returns false when no complete object
// exists.
func ExtractLastJSONObject(text string) (string, bool) {
	last := ""
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		last = string(raw)
		// Skip the decoded span so inner objects are not re-counted.
		i += int(dec.InputOffset()) - 1
	}
	if last == "" {
		return "", false
	}
	return last, true
}
