package types

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SerializedMarker is the field a worker sets on errors it serialises so
// they can be told apart from ordinary objects.
const SerializedMarker = "$"

// RemoteError is an error that crossed the process boundary. Marked errors
// are reconstructed from their message, stack, name and any extra fields;
// unmarked payloads keep their raw form in Fields.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
	Fields  map[string]any
	Marked  bool
}

var _ error = (*RemoteError)(nil)

func (e *RemoteError) Error() string {
	switch {
	case e.Name != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	case e.Message != "":
		return e.Message
	case e.Name != "":
		return e.Name
	default:
		return "remote error"
	}
}

// Errors returns nested error messages for aggregate errors, which carry
// an "errors" array of strings or error objects.
func (e *RemoteError) Errors() []string {
	raw, ok := e.Fields["errors"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if msg, ok := v["message"].(string); ok {
				out = append(out, msg)
			}
		}
	}
	return out
}

// UnmarshalJSON accepts marked error objects, plain objects and bare strings.
func (e *RemoteError) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*e = RemoteError{Message: str}
		return nil
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode remote error: %w", err)
	}

	out := RemoteError{Fields: make(map[string]any)}
	if marker, ok := fields[SerializedMarker]; ok {
		out.Marked = marker != nil && marker != false
		delete(fields, SerializedMarker)
	}
	out.Message, _ = fields["message"].(string)
	out.Stack, _ = fields["stack"].(string)
	out.Name, _ = fields["name"].(string)
	for k, v := range fields {
		switch k {
		case "message", "stack", "name":
		default:
			out.Fields[k] = v
		}
	}
	*e = out
	return nil
}

// MarshalJSON writes the error in the marked wire form.
func (e *RemoteError) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[SerializedMarker] = true
	fields["message"] = e.Message
	if e.Stack != "" {
		fields["stack"] = e.Stack
	}
	if e.Name != "" {
		fields["name"] = e.Name
	}
	return json.Marshal(fields)
}

// FieldNames returns the extra field names in sorted order.
func (e *RemoteError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NewRemoteError serialises a local error into its wire form.
func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RemoteError); ok {
		return re
	}
	return &RemoteError{Name: "Error", Message: err.Error(), Marked: true}
}
