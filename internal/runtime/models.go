package runtime

import "strings"

// DefaultModel is used when neither the request nor configuration names one.
const DefaultModel = "claude-sonnet-4-5"

// aliases map short model names to full provider identifiers.
var aliases = map[string]string{
	"sonnet": "claude-sonnet-4-5",
	"opus":   "claude-opus-4-1",
	"haiku":  "claude-haiku-3-5",
}

// ResolveModel normalizes a caller-supplied model name. Namespaced names
// ("anthropic/claude-x") pass through with the namespace stripped; known
// aliases expand; anything else passes through untouched. Empty input falls
// back to the configured default, then DefaultModel.
func ResolveModel(requested, configured string) string {
	name := strings.TrimSpace(requested)
	if name == "" {
		name = strings.TrimSpace(configured)
	}
	if name == "" {
		return DefaultModel
	}

	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if full, ok := aliases[strings.ToLower(name)]; ok {
		return full
	}
	return name
}
