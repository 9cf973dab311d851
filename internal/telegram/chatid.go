package telegram

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ChatID identifies a chat: either a signed 64-bit integer or a public
// "@name" handle. The zero value is the numeric id 0.
//
// The name variant is stored lowercased with a leading "@", so ChatID values
// compare with == and work as map keys with case-insensitive handle equality.
type ChatID struct {
	id   int64
	name string // empty for the numeric variant
}

// ChatIDFromInt64 returns the numeric variant.
func ChatIDFromInt64(v int64) ChatID {
	return ChatID{id: v}
}

// ChatIDFromName returns the handle variant. A leading "@" is added if
// absent; the handle is lowercased.
func ChatIDFromName(name string) ChatID {
	name = strings.ToLower(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}
	return ChatID{name: name}
}

// ParseChatID classifies a textual token: purely numeric input yields the
// integer variant, anything else the handle variant. Empty input yields the
// zero ChatID.
func ParseChatID(s string) ChatID {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatID{}
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ChatID{id: v}
	}
	return ChatIDFromName(s)
}

// IsName reports whether this is the handle variant.
func (c ChatID) IsName() bool { return c.name != "" }

// Int64 returns the numeric id and whether this is the numeric variant.
func (c ChatID) Int64() (int64, bool) {
	if c.name != "" {
		return 0, false
	}
	return c.id, true
}

// Name returns the handle and whether this is the handle variant.
func (c ChatID) Name() (string, bool) {
	if c.name == "" {
		return "", false
	}
	return c.name, true
}

// String renders the id for logs and wire use: "123456" or "@name".
func (c ChatID) String() string {
	if c.name != "" {
		return c.name
	}
	return strconv.FormatInt(c.id, 10)
}

// Less is a total order used internally for deterministic iteration. Numeric
// ids are ordered among themselves, handles ordinally, and any numeric id
// sorts after any handle. Not a domain guarantee.
func (c ChatID) Less(o ChatID) bool {
	switch {
	case c.name == "" && o.name == "":
		return c.id < o.id
	case c.name != "" && o.name != "":
		return c.name < o.name
	case c.name != "":
		// handle < numeric
		return true
	default:
		return false
	}
}

// MarshalJSON writes the variant observed on construction: a JSON number for
// numeric ids, a JSON string for handles.
func (c ChatID) MarshalJSON() ([]byte, error) {
	if c.name != "" {
		return json.Marshal(c.name)
	}
	return []byte(strconv.FormatInt(c.id, 10)), nil
}

func (c *ChatID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ParseChatID(s)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = ChatID{id: v}
	return nil
}
