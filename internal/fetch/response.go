package fetch

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// ResponseType mirrors the fetch response classification the cache policy
// keys on.
type ResponseType string

const (
	TypeBasic          ResponseType = "basic"
	TypeCORS           ResponseType = "cors"
	TypeOpaque         ResponseType = "opaque"
	TypeOpaqueRedirect ResponseType = "opaqueredirect"
)

var ErrBodyTooLarge = errors.New("response body exceeds clone limit")

type Response struct {
	Status     int
	Type       ResponseType
	Redirected bool
	URL        string
	Header     http.Header
	Body       io.ReadCloser
}

// Clone duplicates the response so that the receiver and the returned copy
// each carry a complete, unread body. Bodies larger than limit are left
// intact on the receiver and ErrBodyTooLarge is returned.
func (r *Response) Clone(limit int64) (*Response, error) {
	if r == nil {
		return nil, errors.New("response is nil")
	}
	if r.Body == nil {
		r.Body = http.NoBody
	}

	original := r.Body
	var buf bytes.Buffer
	var reader io.Reader = original
	if limit > 0 {
		reader = io.LimitReader(original, limit+1)
	}
	n, err := buf.ReadFrom(reader)
	if err != nil {
		r.Body = &multiReadCloser{Reader: io.MultiReader(bytes.NewReader(buf.Bytes()), original), closer: original}
		return nil, err
	}
	if limit > 0 && n > limit {
		r.Body = &multiReadCloser{Reader: io.MultiReader(bytes.NewReader(buf.Bytes()), original), closer: original}
		return nil, ErrBodyTooLarge
	}
	_ = original.Close()

	body := buf.Bytes()
	r.Body = io.NopCloser(bytes.NewReader(body))
	clone := *r
	clone.Header = r.Header.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return &clone, nil
}

// Cacheable reports whether the response may populate the cache: a complete
// 200 from the same origin that was not reached through a redirect.
func (r *Response) Cacheable() bool {
	if r == nil {
		return false
	}
	return r.Status == http.StatusOK && r.Type == TypeBasic && !r.Redirected
}

type multiReadCloser struct {
	io.Reader
	closer io.Closer
}

func (m *multiReadCloser) Close() error {
	return m.closer.Close()
}
