package importer

import (
	"encoding/json"
	"strings"
	"time"
)

// Top-level record in the codex JSONL format: one object per line with a
// type discriminator and a raw payload.
type logRecord struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// session_meta payload
type metaPayload struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Cwd       string `json:"cwd"`
}

// response_item payload; only type "message" is of interest
type responsePayload struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// messageText extracts the text of a message payload. Content is either a
// plain string or a list of typed parts; only input_text, output_text and
// text parts contribute.
func messageText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(content, &plain); err == nil {
		return strings.TrimSpace(plain)
	}

	var parts []contentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

func parseTimestamp(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}
