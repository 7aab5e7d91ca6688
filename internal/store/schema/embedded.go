package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stakeholder is one entry of a project's stakeholders document.
type Stakeholder struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// TicketLink is one entry of a project's ticket links document.
type TicketLink struct {
	Label string `json:"label,omitempty"`
	URL   string `json:"url"`
}

// EncodingFormat identifies which historical format an embedded document
// was decoded from.
type EncodingFormat int

const (
	// FormatEmpty is an empty or null document.
	FormatEmpty EncodingFormat = iota
	// FormatObjects is a JSON array of objects (current).
	FormatObjects
	// FormatStrings is a JSON array of plain strings.
	FormatStrings
	// FormatDelimited is a plain comma/semicolon/newline separated string.
	FormatDelimited
)

// String returns a human-readable name of the format.
func (f EncodingFormat) String() string {
	switch f {
	case FormatEmpty:
		return "empty"
	case FormatObjects:
		return "objects"
	case FormatStrings:
		return "strings"
	case FormatDelimited:
		return "delimited"
	default:
		return "unknown"
	}
}

// ParseStakeholders decodes a stakeholders document in any known format.
func ParseStakeholders(raw string) ([]Stakeholder, error) {
	out, _, err := DecodeStakeholders(raw)
	return out, err
}

// DecodeStakeholders is ParseStakeholders that also reports the format found.
func DecodeStakeholders(raw string) ([]Stakeholder, EncodingFormat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return []Stakeholder{}, FormatEmpty, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var objects []Stakeholder
		if err := json.Unmarshal([]byte(trimmed), &objects); err == nil {
			for i, s := range objects {
				if strings.TrimSpace(s.Name) == "" {
					return nil, FormatObjects, fmt.Errorf("stakeholder %d: name is required", i)
				}
			}
			return objects, FormatObjects, nil
		}

		var names []string
		if err := json.Unmarshal([]byte(trimmed), &names); err == nil {
			out := make([]Stakeholder, 0, len(names))
			for _, n := range names {
				if n = strings.TrimSpace(n); n != "" {
					out = append(out, Stakeholder{Name: n})
				}
			}
			return out, FormatStrings, nil
		}

		return nil, FormatObjects, fmt.Errorf("stakeholders: malformed JSON array")
	}

	var out []Stakeholder
	for _, part := range splitDelimited(trimmed) {
		out = append(out, Stakeholder{Name: part})
	}
	return out, FormatDelimited, nil
}

// EncodeStakeholders renders stakeholders in the current format.
func EncodeStakeholders(list []Stakeholder) (string, error) {
	if list == nil {
		list = []Stakeholder{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stakeholders: %w", err)
	}
	return string(data), nil
}

// ParseTicketLinks decodes a ticket links document in any known format.
func ParseTicketLinks(raw string) ([]TicketLink, error) {
	out, _, err := DecodeTicketLinks(raw)
	return out, err
}

// DecodeTicketLinks is ParseTicketLinks that also reports the format found.
func DecodeTicketLinks(raw string) ([]TicketLink, EncodingFormat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return []TicketLink{}, FormatEmpty, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var objects []TicketLink
		if err := json.Unmarshal([]byte(trimmed), &objects); err == nil {
			for i, l := range objects {
				if strings.TrimSpace(l.URL) == "" {
					return nil, FormatObjects, fmt.Errorf("ticket link %d: url is required", i)
				}
			}
			return objects, FormatObjects, nil
		}

		var urls []string
		if err := json.Unmarshal([]byte(trimmed), &urls); err == nil {
			out := make([]TicketLink, 0, len(urls))
			for _, u := range urls {
				if u = strings.TrimSpace(u); u != "" {
					out = append(out, TicketLink{URL: u})
				}
			}
			return out, FormatStrings, nil
		}

		return nil, FormatObjects, fmt.Errorf("ticket links: malformed JSON array")
	}

	var out []TicketLink
	for _, part := range splitDelimited(trimmed) {
		out = append(out, TicketLink{URL: part})
	}
	return out, FormatDelimited, nil
}

// EncodeTicketLinks renders ticket links in the current format.
func EncodeTicketLinks(list []TicketLink) (string, error) {
	if list == nil {
		list = []TicketLink{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ticket links: %w", err)
	}
	return string(data), nil
}

// splitDelimited splits the legacy plain-string format.
func splitDelimited(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
