package obs

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

type AccessLogEntry struct {
	Timestamp     string `json:"ts"`
	RequestID     string `json:"request_id"`
	Method        string `json:"method"`
	Host          string `json:"host"`
	Path          string `json:"path"`
	Destination   string `json:"destination"`
	CacheName     string `json:"cache_name"`
	CacheStatus   string `json:"cache_status"`
	Controlled    bool   `json:"controlled"`
	Status        int    `json:"status"`
	DurationMS    int64  `json:"duration_ms"`
	BytesIn       int64  `json:"bytes_in"`
	BytesOut      int64  `json:"bytes_out"`
	ErrorCategory string `json:"error_category"`
	UserAgent     string `json:"user_agent,omitempty"`
	RemoteAddr    string `json:"remote_addr,omitempty"`
}

func LogAccess(ctx RequestContext) {
	entry := AccessLogEntry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:     defaultString(ctx.RequestID, "none"),
		Method:        ctx.Method,
		Host:          ctx.Host,
		Path:          ctx.Path,
		Destination:   defaultString(ctx.Destination, "empty"),
		CacheName:     defaultString(ctx.CacheName, "none"),
		CacheStatus:   defaultString(ctx.CacheStatus, "bypass"),
		Controlled:    ctx.Controlled,
		Status:        ctx.Status,
		DurationMS:    ctx.Duration.Milliseconds(),
		BytesIn:       ctx.BytesIn,
		BytesOut:      ctx.BytesOut,
		ErrorCategory: defaultString(ctx.ErrorCategory, "none"),
		UserAgent:     ctx.UserAgent,
		RemoteAddr:    ctx.RemoteAddr,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stdout, "log_marshal_error request_id=%s error=%v\n", entry.RequestID, err)
		return
	}
	_, _ = os.Stdout.Write(append(data, '\n'))
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func RedactHeaderValue(name, value string) string {
	if name == "" {
		return value
	}
	if isSensitiveHeader(name) {
		return "[redacted]"
	}
	return value
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "set-cookie", "x-api-key", "proxy-authorization":
		return true
	default:
		return false
	}
}
