package mq

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

// Diagnostic message headers maintained by the worker framework.
const (
	HeaderRetries = "retries" // integer retry count
	HeaderWhat    = "what"    // short description of the last failure
	HeaderWho     = "who"     // process that recorded the failure
	HeaderWhen    = "when"    // wall-clock time of the failure
	HeaderWhere   = "where"   // source location of the failure
	HeaderName    = "name"    // function that recorded the failure
)

const maxWhatLen = 100

// RetryCount reads the retries header, tolerating the integer widths the
// broker client may hand back.
func RetryCount(headers map[string]any) int {
	switch v := headers[HeaderRetries].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// WithDiagnostics returns a copy of headers carrying the failure breadcrumbs
// for err, with the retries header set to retries.
func WithDiagnostics(headers map[string]any, err error, retries int) map[string]any {
	out := make(map[string]any, len(headers)+6)
	for k, v := range headers {
		out[k] = v
	}

	what := err.Error()
	if len(what) > maxWhatLen {
		what = what[:maxWhatLen]
	}

	where := "unknown"
	name := "unknown"
	if pc, file, line, ok := runtime.Caller(2); ok {
		where = fmt.Sprintf("%s:%d", file, line)
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
	}

	host, _ := os.Hostname()
	out[HeaderRetries] = retries
	out[HeaderWhat] = what
	out[HeaderWho] = fmt.Sprintf("%s/%d", host, os.Getpid())
	out[HeaderWhen] = time.Now().UTC().Format(time.RFC3339)
	out[HeaderWhere] = where
	out[HeaderName] = name
	return out
}
