package api

import (
	"encoding/base64"
	"unicode/utf8"
)

// decodeFileContent mirrors internal/toolchannel/tools.go's content framing:
// valid UTF-8 is returned as text, anything else as base64.
func decodeFileContent(data []byte) (content string, binary bool) {
	if utf8.Valid(data) {
		return string(data), false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

// encodeFileContent is decodeFileContent's inverse for incoming writes.
func encodeFileContent(content string, binary bool) ([]byte, error) {
	if !binary {
		return []byte(content), nil
	}
	return base64.StdEncoding.DecodeString(content)
}
