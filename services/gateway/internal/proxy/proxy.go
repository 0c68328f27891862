package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diagnosis/eventcheckin/pkg/logger"
)

// ServiceProxy forwards requests to one upstream service.
type ServiceProxy struct {
	name    string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewServiceProxy builds a proxy for baseURL. timeout bounds ordinary
// requests; event streams are bounded only by the client connection.
func NewServiceProxy(name, baseURL string, timeout time.Duration) *ServiceProxy {
	return &ServiceProxy{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{},
	}
}

var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-connection":    true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isStream(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/stream") ||
		strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// ServeHTTP relays r to the upstream under the same path and query.
func (p *ServiceProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stream := isStream(r)
	if !stream && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	url := p.baseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, url, r.Body)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to build upstream request", "error", err, "service", p.name)
		writeUnavailable(w)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength

	if requestID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		req.Header.Set("X-Request-ID", requestID)
	}
	req.Header.Set("X-Gateway-Forwarded", "true")
	req.Header.Set("X-Gateway-Service", "eventcheckin-gateway")

	logger.DebugContext(ctx, "Proxying request", "service", p.name, "method", r.Method, "url", url)

	resp, err := p.client.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "Service proxy error", "error", err, "service", p.name)
		writeUnavailable(w)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if stream {
		if err := copyFlushing(w, resp.Body); err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "Stream relay ended", "error", err, "service", p.name)
		}
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.ErrorContext(ctx, "Failed to copy response body", "error", err, "service", p.name)
	}
}

// copyFlushing relays src chunk by chunk so server-sent events reach the
// client as soon as the upstream writes them.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil {
				return fmt.Errorf("flush: %w", ferr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, `{"error":"Service unavailable","code":"SERVICE_UNAVAILABLE"}`+"\n")
}
