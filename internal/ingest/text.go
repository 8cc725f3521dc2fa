package ingest

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// extractText decodes plain text files. UTF-8 is accepted as is; otherwise
// UTF-16 (by BOM), Latin-1, and Windows-1252 are tried in order before
// falling back to lossy UTF-8 with replacement runes.
func extractText(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}

	if hasUTF16BOM(data) {
		decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		if decoded, err := decoder.Bytes(data); err == nil && utf8.Valid(decoded) {
			return string(decoded), nil
		}
	}

	for _, cm := range []*charmap.Charmap{charmap.ISO8859_1, charmap.Windows1252} {
		if decoded, err := cm.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
			return string(decoded), nil
		}
	}

	return strings.ToValidUTF8(string(data), string(utf8.RuneError)), nil
}

// hasUTF16BOM reports whether data starts with a UTF-16 byte order mark.
// Without a BOM the UTF-16 decoder would happily mangle single-byte
// encodings, so those fall through to the charmap decoders instead.
func hasUTF16BOM(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return (data[0] == 0xff && data[1] == 0xfe) || (data[0] == 0xfe && data[1] == 0xff)
}

// extractMarkdown accepts only valid UTF-8; markdown files with other
// encodings are rejected rather than silently mangled.
func extractMarkdown(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("markdown must be valid UTF-8")
	}
	return string(data), nil
}
