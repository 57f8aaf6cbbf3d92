package protocol

import (
	"encoding/json"
	"fmt"
)

// Part kinds.
const (
	PartKindText = "text"
	PartKindData = "data"
	PartKindFile = "file"
)

// Part is one piece of message or artifact content. Exactly one of the
// payload fields is set, selected by Kind.
type Part struct {
	Kind string

	// Text is set when Kind is "text".
	Text string

	// Data is set when Kind is "data".
	Data map[string]any

	// File is set when Kind is "file".
	File *FilePart
}

// FilePart carries file content either inline (base64) or by reference.
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a structured data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

type partWire struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
	File *FilePart      `json:"file,omitempty"`
}

// MarshalJSON encodes the part with its kind discriminator.
func (p Part) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PartKindText, PartKindData, PartKindFile:
	default:
		return nil, fmt.Errorf("unknown part kind %q", p.Kind)
	}
	return json.Marshal(partWire{Kind: p.Kind, Text: p.Text, Data: p.Data, File: p.File})
}

// UnmarshalJSON decodes a tagged part. An unrecognized kind is kept as-is
// with no payload so receivers can report it without losing the message.
func (p *Part) UnmarshalJSON(data []byte) error {
	var w partWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Part{Kind: w.Kind, Text: w.Text, Data: w.Data, File: w.File}
	return nil
}
