package safety

import (
	"encoding/base64"
	"testing"
)

func TestParseImageDataURL(t *testing.T) {
	raw := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})
	data, mimeType, err := ParseImageDataURL(raw)
	if err != nil {
		t.Fatalf("ParseImageDataURL: %v", err)
	}
	if mimeType != "image/png" || len(data) != 4 {
		t.Fatalf("mime=%q len=%d", mimeType, len(data))
	}
}

func TestParseImageDataURL_RejectsInvalid(t *testing.T) {
	cases := []string{
		"",
		"https://example.com/a.png",
		"data:image/png;base64",
		"data:image/png,AAAA",
		"data:text/html;base64,PGI+",
		"data:image/png;base64,!!!",
		"data:image/png;base64,",
	}
	for _, tc := range cases {
		t.Run(tc, func(t *testing.T) {
			if _, _, err := ParseImageDataURL(tc); err == nil {
				t.Fatalf("expected error for %q", tc)
			}
		})
	}
}
