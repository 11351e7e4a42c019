package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// OCRResponse is the payload returned by the recognition provider's
// vat_invoice endpoint. A non-zero ErrorCode means the call failed;
// WordsResult carries the recognized fields on success.
type OCRResponse struct {
	LogID          json.Number           `json:"log_id,omitempty"`
	WordsResultNum int                   `json:"words_result_num,omitempty"`
	WordsResult    map[string]FieldValue `json:"words_result,omitempty"`
	ErrorCode      int                   `json:"error_code,omitempty"`
	ErrorMsg       string                `json:"error_msg,omitempty"`
}

// Empty reports whether the response carries no recognized content.
func (r *OCRResponse) Empty() bool {
	return len(r.WordsResult) == 0
}

// FieldValue absorbs the three shapes a recognized field arrives in:
// a bare string, a {"word": ...} or {"words": ...} wrapper, or a list
// of either.
type FieldValue struct {
	values []string
}

// Field builds a single-valued FieldValue.
func Field(s string) FieldValue {
	return FieldValue{values: []string{s}}
}

// FieldList builds a multi-valued FieldValue.
func FieldList(ss ...string) FieldValue {
	return FieldValue{values: append([]string(nil), ss...)}
}

// First returns the first value, trimmed, or "" when empty.
func (v FieldValue) First() string {
	if len(v.values) == 0 {
		return ""
	}
	return strings.TrimSpace(v.values[0])
}

// List returns a copy of all values.
func (v FieldValue) List() []string {
	return append([]string(nil), v.values...)
}

// Empty reports whether no usable text was recognized for the field.
func (v FieldValue) Empty() bool {
	return v.First() == ""
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	v.values = nil
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v.values = []string{s}
	case '{':
		s, err := unwrapWord(data)
		if err != nil {
			return err
		}
		v.values = []string{s}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		for _, item := range items {
			var fv FieldValue
			if err := fv.UnmarshalJSON(item); err != nil {
				return err
			}
			v.values = append(v.values, fv.values...)
		}
	default:
		// Numbers and booleans keep their literal text.
		v.values = []string{string(data)}
	}
	return nil
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch len(v.values) {
	case 0:
		return []byte(`{"word":""}`), nil
	case 1:
		return json.Marshal(map[string]string{"word": v.values[0]})
	default:
		wrapped := make([]map[string]string, len(v.values))
		for i, s := range v.values {
			wrapped[i] = map[string]string{"word": s}
		}
		return json.Marshal(wrapped)
	}
}

func unwrapWord(data []byte) (string, error) {
	var w struct {
		Word  string `json:"word"`
		Words string `json:"words"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return "", err
	}
	if w.Words != "" {
		return w.Words, nil
	}
	return w.Word, nil
}
