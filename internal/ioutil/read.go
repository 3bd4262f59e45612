package ioutil

import (
	"fmt"
	"io"
)

// ReadLimited reads up to limit bytes from r. The returned bool reports
// whether the body was longer than limit and got cut off.
func ReadLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return body, false, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}

// Snippet returns at most n bytes of body as a string for log fields.
func Snippet(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "…"
}
