package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/funnyzak/reqsnipe/pkg/request"
)

// classify maps a response body to an outcome and a display message.
// The success field must equal the sentinel; JSON numbers compare by their literal text.
func classify(body []byte, opts Options) (request.Outcome, string) {
	raw := strings.TrimSpace(string(body))

	doc, ok := decodeObject(body)
	if !ok {
		return request.OutcomeFailure, raw
	}

	message := raw
	if opts.MessageField != "" {
		if v, ok := scalarText(doc[opts.MessageField]); ok && v != "" {
			message = v
		}
	}

	if v, ok := scalarText(doc[opts.SuccessField]); ok && v == opts.SuccessValue {
		return request.OutcomeSuccess, message
	}
	return request.OutcomeFailure, message
}

// extractLabel reads a course identifier from a form-encoded body whose field
// holds a JSON document. Any failure yields ok=false.
func extractLabel(body, field, path string) (string, bool) {
	if field == "" || path == "" || body == "" {
		return "", false
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		return "", false
	}
	raw := values.Get(field)
	if raw == "" {
		return "", false
	}

	var node interface{}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&node); err != nil {
		return "", false
	}
	for _, key := range strings.Split(path, ".") {
		obj, ok := node.(map[string]interface{})
		if !ok {
			return "", false
		}
		if node, ok = obj[key]; !ok {
			return "", false
		}
	}
	return scalarText(node)
}

func decodeObject(body []byte) (map[string]interface{}, bool) {
	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

// scalarText renders strings, numbers and booleans; anything else is rejected.
func scalarText(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return fmt.Sprint(val), true
	default:
		return "", false
	}
}
