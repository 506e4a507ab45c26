package safety

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const MaxImageBytes = 8 << 20

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
}

// ParseImageDataURL validates a data:image/...;base64, URL and returns the
// decoded bytes with their mime type.
func ParseImageDataURL(raw string) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", fmt.Errorf("image data url is empty")
	}
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return nil, "", fmt.Errorf("image data url must start with data:")
	}
	header, data, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("image data url is missing its payload")
	}
	mimeType, encoding, ok := strings.Cut(header, ";")
	if !ok || strings.TrimSpace(encoding) != "base64" {
		return nil, "", fmt.Errorf("image data url must be base64 encoded")
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if !allowedImageTypes[mimeType] {
		return nil, "", fmt.Errorf("unsupported image type %q", mimeType)
	}
	if base64.StdEncoding.DecodedLen(len(data)) > MaxImageBytes {
		return nil, "", fmt.Errorf("image exceeds maximum size %d bytes", MaxImageBytes)
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("invalid image data: %w", err)
	}
	if len(decoded) == 0 {
		return nil, "", fmt.Errorf("image data is empty")
	}
	return decoded, mimeType, nil
}
