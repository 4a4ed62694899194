// Package gateway defines the bot gateway surface: message segments,
// inbound events, and the client interface the engine talks through.
package gateway

import (
	"fmt"
	"strconv"
)

// Segment is one element of a chat message. The wire shape follows the
// OneBot v11 segment format: a type tag plus a data map. Constructors
// and accessors below keep call sites away from the raw map.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Segment type tags.
const (
	SegText   = "text"
	SegAt     = "at"
	SegImage  = "image"
	SegReply  = "reply"
	SegRecord = "record" // voice
	SegVideo  = "video"
)

// Text builds a text segment.
func Text(text string) Segment {
	return Segment{Type: SegText, Data: map[string]any{"text": text}}
}

// At builds an @-mention segment.
func At(userID int64) Segment {
	return Segment{Type: SegAt, Data: map[string]any{"qq": strconv.FormatInt(userID, 10)}}
}

// Image builds an image segment from a file path or URL.
func Image(file string) Segment {
	return Segment{Type: SegImage, Data: map[string]any{"file": file}}
}

// Reply builds a quote-reply segment referencing a prior message.
func Reply(messageID int32) Segment {
	return Segment{Type: SegReply, Data: map[string]any{"id": strconv.FormatInt(int64(messageID), 10)}}
}

// TextContent returns the text body of a text segment, or "".
func (s Segment) TextContent() string {
	if s.Type != SegText {
		return ""
	}
	text, _ := s.Data["text"].(string)
	return text
}

// AtTarget returns the mentioned user ID of an at segment.
func (s Segment) AtTarget() (int64, bool) {
	if s.Type != SegAt {
		return 0, false
	}
	return dataInt64(s.Data, "qq")
}

// ImageRef returns the url (preferred) or file reference of an image
// segment.
func (s Segment) ImageRef() (string, bool) {
	if s.Type != SegImage {
		return "", false
	}
	if url, ok := s.Data["url"].(string); ok && url != "" {
		return url, true
	}
	if file, ok := s.Data["file"].(string); ok && file != "" {
		return file, true
	}
	return "", false
}

// ReplyID returns the referenced message ID of a reply segment.
func (s Segment) ReplyID() (int32, bool) {
	if s.Type != SegReply {
		return 0, false
	}
	id, ok := dataInt64(s.Data, "id")
	return int32(id), ok
}

// PlainText concatenates the text bodies of all text segments.
func PlainText(segments []Segment) string {
	var out string
	for _, s := range segments {
		out += s.TextContent()
	}
	return out
}

// dataInt64 reads a numeric field that OneBot implementations
// serialize as either a JSON number or a decimal string.
func dataInt64(data map[string]any, key string) (int64, bool) {
	switch v := data[key].(type) {
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

// String implements fmt.Stringer for debug output.
func (s Segment) String() string {
	switch s.Type {
	case SegText:
		return s.TextContent()
	case SegAt:
		id, _ := s.AtTarget()
		return fmt.Sprintf("[@%d]", id)
	default:
		return "[" + s.Type + "]"
	}
}
