package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// StreamWriter wraps a ResponseWriter, recording status and size while
// keeping Flusher and Hijacker reachable. Proxied inference responses
// stream, so losing Flush would stall clients.
type StreamWriter struct {
	http.ResponseWriter
	status  int
	written bool
	bytes   int64
}

func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	return &StreamWriter{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (w *StreamWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *StreamWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *StreamWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *StreamWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (w *StreamWriter) Status() int {
	return w.status
}

func (w *StreamWriter) BytesWritten() int64 {
	return w.bytes
}

func (w *StreamWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
