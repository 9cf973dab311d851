package telegram

import (
	"strings"
	"unicode/utf16"
)

// UTF16Len returns the length of s in UTF-16 code units, the addressing unit
// for MessageEntity offsets.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// SubstringUTF16 extracts the span [offset, offset+length) of s addressed in
// UTF-16 code units. Out-of-range spans are clamped to the string.
func SubstringUTF16(s string, offset, length int) string {
	if offset < 0 {
		length += offset
		offset = 0
	}
	if length <= 0 {
		return ""
	}
	var b strings.Builder
	pos := 0
	end := offset + length
	for _, r := range s {
		units := utf16.RuneLen(r)
		if pos >= end {
			break
		}
		// A rune straddling the span boundary is included when it starts
		// inside the span.
		if pos >= offset {
			b.WriteRune(r)
		}
		pos += units
	}
	return b.String()
}

// Command extracts a bot command from the message, if any. The command is
// either a bot_command entity at the start of the text, or, when entities are
// absent, a text beginning with "/" whose first whitespace is past position 1
// (or absent). The returned name is lowercased with the leading "/" and any
// "@botname" suffix stripped; args is the remaining text after the command.
func (m *Message) Command() (name, args string, ok bool) {
	if m == nil || m.Text == "" {
		return "", "", false
	}
	for _, e := range m.Entities {
		if e.Type != EntityBotCommand || e.Offset != 0 {
			continue
		}
		raw := SubstringUTF16(m.Text, e.Offset, e.Length)
		name = normalizeCommand(raw)
		if name == "" {
			return "", "", false
		}
		args = strings.TrimLeft(SubstringUTF16(m.Text, e.Length, UTF16Len(m.Text)-e.Length), " \t\n")
		return name, args, true
	}
	if len(m.Entities) > 0 || !strings.HasPrefix(m.Text, "/") {
		return "", "", false
	}
	ws := strings.IndexAny(m.Text, " \t\n")
	switch {
	case ws < 0:
		name = normalizeCommand(m.Text)
	case ws > 1:
		name = normalizeCommand(m.Text[:ws])
		args = strings.TrimLeft(m.Text[ws:], " \t\n")
	default:
		// "/ foo" is not a command.
		return "", "", false
	}
	if name == "" {
		return "", "", false
	}
	return name, args, true
}

// normalizeCommand turns "/Start@SomeBot" into "start".
func normalizeCommand(raw string) string {
	raw = strings.TrimPrefix(raw, "/")
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	return strings.ToLower(raw)
}
