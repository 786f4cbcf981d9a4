package common

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// EncodeBase64 encodes bytes to URL-safe base64 string.
func EncodeBase64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64 decodes URL-safe base64 string.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return data, nil
}

// EncodePageToken wraps a list offset in an opaque token.
func EncodePageToken(offset int) string {
	if offset <= 0 {
		return ""
	}
	return EncodeBase64([]byte(strconv.Itoa(offset)))
}

// DecodePageToken returns the offset carried by token. An empty token means the first page.
func DecodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := DecodeBase64(token)
	if err != nil {
		return 0, fmt.Errorf("page token: %w", err)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("page token: invalid offset")
	}
	return offset, nil
}
