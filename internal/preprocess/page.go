package preprocess

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Page is one normalized response of the message listing endpoint.
type Page struct {
	Records []json.RawMessage
	Next    string
}

// DecodePage accepts a bare array, an object wrapping the list under
// messages, items or data, or a single record object. A next cursor is read
// from next, nextCursor or cursor when present.
func DecodePage(body []byte) (Page, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Page{}, nil
	}
	if body[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(body, &records); err != nil {
			return Page{}, fmt.Errorf("decode message list: %w", err)
		}
		return Page{Records: records}, nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return Page{}, fmt.Errorf("decode message list: %w", err)
	}
	page := Page{Next: pageCursor(wrapper)}
	for _, key := range []string{"messages", "items", "data"} {
		list, ok := wrapper[key]
		if !ok {
			continue
		}
		var records []json.RawMessage
		if err := json.Unmarshal(list, &records); err != nil {
			continue
		}
		page.Records = records
		return page, nil
	}
	page.Records = []json.RawMessage{body}
	page.Next = ""
	return page, nil
}

func pageCursor(wrapper map[string]json.RawMessage) string {
	for _, key := range []string{"next", "nextCursor", "cursor"} {
		raw, ok := wrapper[key]
		if !ok {
			continue
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		if cursor := strings.TrimSpace(asString(value)); cursor != "" {
			return cursor
		}
	}
	return ""
}
