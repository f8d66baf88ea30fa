package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// proxy forwards requests for one logical service to its replicas. A
// connection failure before the first response byte marks the backend and
// replays the request on the next replica; once a response has started the
// stream belongs to that backend.
type proxy struct {
	service   string
	table     *RouteTable
	transport http.RoundTripper
	bodyLimit int64
	logger    *zap.Logger
}

func newProxy(service string, table *RouteTable, bodyLimit int64, logger *zap.Logger) *proxy {
	return &proxy{
		service:   service,
		table:     table,
		transport: http.DefaultTransport,
		bodyLimit: bodyLimit,
		logger:    logger,
	}
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	seq := p.table.Sequence(p.service)
	if len(seq) == 0 {
		p.unavailable(w, "no backends registered")
		return
	}

	body, replayable, err := p.bufferBody(r)
	if err != nil {
		// The body is partially consumed; forwarding it would hand the
		// backend a truncated request.
		p.badRequest(w, err)
		return
	}
	attempts := seq
	if !replayable {
		// A body too large to buffer cannot be replayed; one shot only.
		attempts = seq[:1]
	}

	var lastErr error
	for i, backend := range attempts {
		if i > 0 {
			retriesTotal.WithLabelValues(p.service).Inc()
		}

		status, err := p.forward(w, r, backend, body)
		if err == nil {
			backend.breaker.RecordSuccess()
			requestsTotal.WithLabelValues(p.service, backend.Name, strconv.Itoa(status)).Inc()
			requestDuration.WithLabelValues(p.service).Observe(time.Since(start).Seconds())
			return
		}

		lastErr = err
		backend.breaker.RecordFailure()
		requestsTotal.WithLabelValues(p.service, backend.Name, "error").Inc()
		p.logger.Warn("Backend unreachable",
			zap.String("service", p.service),
			zap.String("backend", backend.Name),
			zap.Error(err))
	}

	detail := "all backends unreachable"
	if lastErr != nil {
		detail = lastErr.Error()
	}
	p.unavailable(w, detail)
}

// forward proxies one attempt. The returned error is non-nil only when the
// backend never produced a response, which is the one case where replaying
// on another replica is safe.
func (p *proxy) forward(w http.ResponseWriter, r *http.Request, backend *Backend, body []byte) (int, error) {
	var proxyErr error
	status := http.StatusOK

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = backend.Addr
			if _, ok := req.Header["User-Agent"]; !ok {
				req.Header.Set("User-Agent", "")
			}
		},
		Transport: p.transport,
		// Flush every chunk straight through; inference responses stream.
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			status = resp.StatusCode
			return nil
		},
		// ErrorHandler fires only when no response was started, so the
		// attempt loop can replay on another replica instead of letting
		// the stock 502 reach the client.
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			proxyErr = err
		},
	}

	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}

	rp.ServeHTTP(w, r)
	return status, proxyErr
}

// bufferBody reads small request bodies into memory so failed attempts can
// be replayed. Reports false when the body is too large or unbounded, which
// leaves it untouched for a single attempt. A non-nil error means the body
// was consumed mid-read and the request can no longer be forwarded at all.
func (p *proxy) bufferBody(r *http.Request) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true, nil
	}
	if r.ContentLength < 0 || r.ContentLength > p.bodyLimit {
		return nil, false, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.bodyLimit+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, false, fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(body)) > p.bodyLimit {
		return nil, false, fmt.Errorf("request body exceeds declared length of %d bytes", r.ContentLength)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true, nil
}

func (p *proxy) badRequest(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unreadable request body",
		"detail":  err.Error(),
		"service": p.service,
	})
}

func (p *proxy) unavailable(w http.ResponseWriter, detail string) {
	unavailableTotal.WithLabelValues(p.service).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   fmt.Sprintf("service %q unavailable", p.service),
		"detail":  detail,
		"service": p.service,
	})
}
