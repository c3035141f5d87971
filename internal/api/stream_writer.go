package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lumen/internal/inference"
)

// SSEStreamWriter emits generation progress as server-sent events: one
// "delta" event per text fragment, then a single "done" or "error" event.
// Headers are written with the first event so that a failure before any
// output can still be answered with a plain JSON error.
type SSEStreamWriter struct {
	res     http.ResponseWriter
	flusher func()
	seq     int
	begun   bool
	err     error
}

type deltaEvent struct {
	Delta          string `json:"delta"`
	SequenceNumber int    `json:"sequence_number"`
}

type doneEvent struct {
	GenerateResponse
	SequenceNumber int `json:"sequence_number"`
}

type errorEvent struct {
	ID             string        `json:"id"`
	Status         string        `json:"status"`
	Error          ResponseError `json:"error"`
	SequenceNumber int           `json:"sequence_number"`
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	return &SSEStreamWriter{
		res:     res,
		flusher: flusher.Flush,
		seq:     1,
	}, nil
}

// Started reports whether any event has been written. After that the
// status line is committed and failures must travel as events.
func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

// Delta is an inference.StreamFunc. The first write error is kept and
// later fragments are dropped.
func (s *SSEStreamWriter) Delta(fragment string) {
	if s.err != nil {
		return
	}
	s.err = s.event("delta", deltaEvent{Delta: fragment, SequenceNumber: s.seq})
}

func (s *SSEStreamWriter) Done(res *inference.Result) error {
	return s.event("done", doneEvent{GenerateResponse: generateResponse(res), SequenceNumber: s.seq})
}

func (s *SSEStreamWriter) Failed(id string, err error) error {
	_, errType, code := classify(err)
	ev := errorEvent{
		ID:             id,
		Status:         inference.StatusError.String(),
		Error:          ResponseError{Message: err.Error(), Type: errType, Code: code},
		SequenceNumber: s.seq,
	}
	return s.event("error", ev)
}

// Err returns the first write error seen by Delta.
func (s *SSEStreamWriter) Err() error {
	return s.err
}

func (s *SSEStreamWriter) event(name string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !s.begun {
		h := s.res.Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.res.WriteHeader(http.StatusOK)
		s.begun = true
	}
	if _, err := fmt.Fprintf(s.res, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	s.seq++
	s.flush()
	return nil
}

func (s *SSEStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}
