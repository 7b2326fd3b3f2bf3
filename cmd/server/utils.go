package main

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/google/uuid"
	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/internal"
)

func loadRegistry(config *keel.Config) (keel.SchemaRegistry, error) {
	if config.Entity.SchemaDirectory == "" {
		return nil, fmt.Errorf("SCHEMA_DIR is required")
	}
	return internal.LoadSchemaDirectory(config.Entity.SchemaDirectory)
}

// coerceValues converts JSON-decoded values to the Go types the properties
// are declared with. Whole float64 numbers become int64 for integer columns
// and uuid strings become uuid.UUID. Unknown keys pass through.
func coerceValues(props []keel.PropertyDescriptor, values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, p := range props {
		v, ok := out[p.Name]
		if !ok || v == nil {
			continue
		}
		switch p.Type {
		case keel.ValueTypeComponent:
			if m, isMap := v.(map[string]any); isMap {
				out[p.Name] = coerceValues(p.Properties, m)
			}
		case keel.ValueTypeSmallInt, keel.ValueTypeInteger, keel.ValueTypeBigInt:
			if f, isFloat := v.(float64); isFloat && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				out[p.Name] = int64(f)
			}
		case keel.ValueTypeUUID:
			if s, isString := v.(string); isString {
				if u, err := uuid.Parse(s); err == nil {
					out[p.Name] = u
				}
			}
		}
	}
	return out
}

// plainValues copies values without navigation references.
func plainValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case *keel.Entity:
			continue
		case map[string]any:
			out[k] = plainValues(val)
		default:
			out[k] = val
		}
	}
	return out
}

// APIResponse is the standard error response format
type APIResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// writeJSON writes JSON response to http.ResponseWriter
func writeJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) error {
	return writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, statusCode int, data any) error {
	return writeJSON(w, statusCode, data)
}

// readJSONBody reads and decodes JSON from request body
func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
