package backend

import "encoding/json"

// staticToolFallback declares tool schemas for well-known backends whose
// initialize response is known to omit them. Discovered schemas always win
// over these; the table only fills gaps so the tools stay routable.
var staticToolFallback = map[string]map[string]string{
	"everart": {
		"generate_image": `{"description":"Generate an image from a text prompt","parameters":[{"name":"prompt","type":"string","required":true},{"name":"model","type":"string"}]}`,
	},
	"taskmaster": {
		"create_task": `{"description":"Create a tracked task","parameters":[{"name":"title","type":"string","required":true},{"name":"description","type":"string"}]}`,
		"list_tasks":  `{"description":"List tracked tasks","parameters":[{"name":"status","type":"string"}]}`,
	},
	"filesystem": {
		"read_file":      `{"description":"Read a file from the allowed roots","parameters":[{"name":"path","type":"string","required":true}]}`,
		"list_directory": `{"description":"List a directory under the allowed roots","parameters":[{"name":"path","type":"string","required":true}]}`,
	},
}

// fallbackTools returns the static schemas for a backend id, or nil.
func fallbackTools(backendID string) map[string]json.RawMessage {
	entry, ok := staticToolFallback[backendID]
	if !ok {
		return nil
	}
	out := make(map[string]json.RawMessage, len(entry))
	for name, schema := range entry {
		out[name] = json.RawMessage(schema)
	}
	return out
}
