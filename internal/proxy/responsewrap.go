package proxy

import (
	"io"
	"net/http"
)

// ResponseRecorder stamps the request ID and cache status onto every
// response, including error bodies, and keeps what the access log needs.
type ResponseRecorder struct {
	http.ResponseWriter
	requestID     string
	cacheStatus   string
	errorCategory string
	status        int
	written       int64
	committed     bool
}

type errorCategoryWriter interface {
	SetErrorCategory(string)
}

func NewResponseRecorder(w http.ResponseWriter, requestID string) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, requestID: requestID, status: http.StatusOK}
}

func (r *ResponseRecorder) WriteHeader(status int) {
	if r.committed {
		return
	}
	header := r.ResponseWriter.Header()
	if r.requestID != "" {
		header.Set(RequestIDHeader, r.requestID)
	}
	if r.cacheStatus != "" {
		header.Set(CacheStatusHeader, r.cacheStatus)
	}
	r.status = status
	r.committed = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *ResponseRecorder) Write(data []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	n, err := r.ResponseWriter.Write(data)
	r.written += int64(n)
	return n, err
}

// ReadFrom keeps io.Copy from bypassing the byte count.
func (r *ResponseRecorder) ReadFrom(src io.Reader) (int64, error) {
	return io.Copy(struct{ io.Writer }{r}, src)
}

func (r *ResponseRecorder) Flush() {
	r.WriteHeader(http.StatusOK)
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// SetCacheStatus records how the request was answered. It only reaches the
// client if called before the header is written.
func (r *ResponseRecorder) SetCacheStatus(status string) {
	r.cacheStatus = status
}

func (r *ResponseRecorder) SetErrorCategory(category string) {
	r.errorCategory = category
}

func (r *ResponseRecorder) Status() int { return r.status }
func (r *ResponseRecorder) BytesWritten() int64 { return r.written }
func (r *ResponseRecorder) CacheStatus() string { return r.cacheStatus }
func (r *ResponseRecorder) ErrorCategory() string { return r.errorCategory }
func (r *ResponseRecorder) WroteHeader() bool { return r.committed }
