package safety

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	MaxResponseBytes int64 = 2 << 20
	MaxRedirectHops        = 3
	DefaultTimeout         = 15 * time.Second
)

// NewHTTPClient returns the client used by tool adapters: bounded timeout and
// a small redirect budget.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	out := *base
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	out.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > MaxRedirectHops {
			return fmt.Errorf("redirect limit exceeded (max %d)", MaxRedirectHops)
		}
		return nil
	}
	return &out
}

func ReadResponseBodyLimited(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, fmt.Errorf("response body is empty")
	}
	if limit <= 0 {
		limit = MaxResponseBytes
	}
	lr := &io.LimitedReader{R: resp.Body, N: limit + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("response exceeds maximum size %d bytes", limit)
	}
	return b, nil
}

// DecodeJSONBodyLimited accepts application/json and +json media types
// (the weather service answers with application/geo+json).
func DecodeJSONBodyLimited(resp *http.Response, limit int64, out any) error {
	b, err := ReadResponseBodyLimited(resp, limit)
	if err != nil {
		return err
	}
	if ct := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type"))); ct != "" && !isJSONContentType(ct) {
		return fmt.Errorf("unexpected content type %q", ct)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return fmt.Errorf("invalid json payload")
	}
	return nil
}

func isJSONContentType(ct string) bool {
	mediaType, _, _ := strings.Cut(ct, ";")
	mediaType = strings.TrimSpace(mediaType)
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// ErrorBody returns a short excerpt of an error response for log and error messages.
func ErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	return strings.TrimSpace(string(b))
}
