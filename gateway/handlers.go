// ABOUTME: Completion endpoint: resolve a virtual model, execute, relay the outcome.
// ABOUTME: Streams re-encode unified events into the caller's SSE dialect at the edge.

package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/2389-research/relay/pipeline"
	"github.com/2389-research/relay/router"
	"github.com/2389-research/relay/scheduler"
	"github.com/2389-research/relay/store"
	"github.com/2389-research/relay/wire"
	"github.com/2389-research/relay/wire/sse"
)

// Response headers describing how a request was served.
const (
	HeaderExecutionID    = "X-Execution-Id"
	HeaderVirtualModel   = "X-Virtual-Model"
	HeaderInstanceID     = "X-Instance-Id"
	HeaderRetryCount     = "X-Retry-Count"
	HeaderProcessingTime = "X-Processing-Time-Ms"
)

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.metrics.requestStarted()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		s.finishError(w, "", start, pipeline.Wrap(pipeline.CodeRequestValidationFailed, err, "reading request body"))
		return
	}

	dialect := wire.DialectForPath(r.URL.Path)

	dec, err := s.router().Resolve(router.Request{
		Path:   r.URL.Path,
		Method: r.Method,
		Header: r.Header,
		Body:   body,
	})
	if err != nil {
		s.finishError(w, "", start, err)
		return
	}

	// virtual_model is a gateway-level field; upstreams never see it.
	if gjson.GetBytes(body, "virtual_model").Exists() {
		if cleaned, derr := sjson.DeleteBytes(body, "virtual_model"); derr == nil {
			body = cleaned
		}
	}
	req := wire.NewRequest(dialect, body)

	opts := scheduler.DefaultExecOptions()
	opts.ClientDialect = dialect
	opts.WantStream = req.Streaming()
	opts.ClientAuthorization = r.Header.Get("Authorization")

	res, err := s.sched.Execute(r.Context(), dec.VirtualModelID, req, opts)
	if err != nil {
		s.finishError(w, dec.VirtualModelID, start, err)
		return
	}

	h := w.Header()
	h.Set(HeaderExecutionID, res.ExecutionID)
	h.Set(HeaderVirtualModel, res.VirtualModelID)
	h.Set(HeaderInstanceID, res.InstanceID)
	h.Set(HeaderRetryCount, strconv.Itoa(res.RetryCount))
	h.Set(HeaderProcessingTime, strconv.FormatInt(res.Duration.Milliseconds(), 10))

	if res.Response.Streaming() {
		s.relayStream(w, dialect, res, start)
		return
	}
	s.relayBuffered(w, dialect, res, start)
}

func (s *Server) relayBuffered(w http.ResponseWriter, dialect wire.Dialect, res *scheduler.Result, start time.Time) {
	status := res.Response.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(res.Response.Raw)

	s.metrics.requestFinished(res.VirtualModelID, status, time.Since(start), res.RetryCount)

	usage, _ := res.Response.Usage()
	entry := resultEntry(res, dialect, status, start, false)
	entry.InputTokens = usage.InputTokens
	entry.OutputTokens = usage.OutputTokens
	entry.TotalTokens = usage.TotalTokens
	if entry.Model == "" {
		entry.Model = gjson.GetBytes(res.Response.Raw, "model").String()
	}
	s.record(entry)
}

// relayStream encodes unified events into the caller's SSE dialect. The
// encoder owns the dialect's terminator frames; a mid-stream failure becomes
// one final error frame before the connection closes.
func (s *Server) relayStream(w http.ResponseWriter, dialect wire.Dialect, res *scheduler.Result, start time.Time) {
	enc, err := wire.NewStreamEncoder(dialect)
	if err != nil {
		s.finishError(w, res.VirtualModelID, start, pipeline.Wrap(pipeline.CodeInternalError, err, "building stream encoder"))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	out := sse.NewWriter(w)
	entry := resultEntry(res, dialect, http.StatusOK, start, true)

	for ev := range res.Response.Events {
		if ev.Type == wire.StreamError {
			s.streamFailure(out, res, ev.Err, &entry)
			s.metrics.requestFinished(res.VirtualModelID, http.StatusOK, time.Since(start), res.RetryCount)
			entry.LatencyMs = time.Since(start).Milliseconds()
			s.record(entry)
			return
		}
		if ev.Model != "" && entry.Model == "" {
			entry.Model = ev.Model
		}
		if ev.Usage != nil {
			entry.InputTokens = ev.Usage.InputTokens
			entry.OutputTokens = ev.Usage.OutputTokens
			entry.TotalTokens = ev.Usage.TotalTokens
		}

		frames, err := enc.Encode(ev)
		if err != nil {
			s.logger.Error("encoding stream event", "execution_id", res.ExecutionID, "error", err)
			continue
		}
		for _, f := range frames {
			var werr error
			if f.Event != "" {
				werr = out.Event(f.Event, f.Data)
			} else {
				werr = out.Data(f.Data)
			}
			if werr != nil {
				// Client went away. The producer unwinds on the request
				// context; just account for what was delivered.
				s.metrics.requestFinished(res.VirtualModelID, http.StatusOK, time.Since(start), res.RetryCount)
				entry.LatencyMs = time.Since(start).Milliseconds()
				s.record(entry)
				return
			}
		}
	}

	s.metrics.requestFinished(res.VirtualModelID, http.StatusOK, time.Since(start), res.RetryCount)
	entry.LatencyMs = time.Since(start).Milliseconds()
	s.record(entry)
}

// streamFailure emits the terminal error frame and charges the failure to
// the serving instance, which already recorded a success when the stream
// opened.
func (s *Server) streamFailure(out *sse.Writer, res *scheduler.Result, cause error, entry *store.Entry) {
	perr, ok := pipeline.AsError(cause)
	if !ok {
		perr = pipeline.Wrap(pipeline.CodeStreamInterrupted, cause, "upstream stream failed")
	}
	if res.Instance != nil {
		res.Instance.RecordError()
	}

	payload := errorBody(perr)
	payload.ExecutionID = res.ExecutionID
	payload.RetryCount = res.RetryCount
	if data, err := json.Marshal(errorEnvelope{Error: payload}); err == nil {
		_ = out.Event("error", string(data))
	}

	entry.ErrorCode = perr.Code
	entry.ErrorName = perr.Name
	s.metrics.observeError(perr.Code, string(perr.Category))
	s.logger.Warn("stream interrupted",
		"execution_id", res.ExecutionID,
		"instance", res.InstanceID,
		"code", perr.Code,
		"error", cause,
	)
}

// errorEnvelope is the JSON error shape for buffered failures and terminal
// stream frames alike.
type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	HTTPStatus  int    `json:"httpStatus"`
	ExecutionID string `json:"executionId,omitempty"`
	RetryCount  int    `json:"retryCount"`
}

func errorBody(perr *pipeline.Error) errorPayload {
	msg := perr.Message
	if perr.Cause != nil {
		msg += ": " + perr.Cause.Error()
	}
	status := perr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	p := errorPayload{
		Code:       perr.Code,
		Message:    msg,
		Category:   string(perr.Category),
		Severity:   string(perr.Severity),
		HTTPStatus: status,
	}
	if id, ok := perr.Details["executionId"].(string); ok {
		p.ExecutionID = id
	}
	if n, ok := perr.Details["retryCount"].(int); ok {
		p.RetryCount = n
	}
	return p
}

// finishError writes the error envelope and settles metrics and audit for a
// request that never produced a response body.
func (s *Server) finishError(w http.ResponseWriter, virtualModel string, start time.Time, err error) {
	perr, ok := pipeline.AsError(err)
	if !ok {
		perr = pipeline.Wrap(pipeline.CodeInternalError, err, "unclassified failure")
	}
	payload := errorBody(perr)
	writeJSON(w, payload.HTTPStatus, errorEnvelope{Error: payload})

	if virtualModel == "" {
		virtualModel = perr.VirtualModelID
	}
	s.metrics.observeError(perr.Code, string(perr.Category))
	s.metrics.requestFinished(virtualModel, payload.HTTPStatus, time.Since(start), payload.RetryCount)
	s.record(store.Entry{
		ExecutionID:    payload.ExecutionID,
		VirtualModelID: virtualModel,
		InstanceID:     perr.InstanceID,
		Status:         payload.HTTPStatus,
		LatencyMs:      time.Since(start).Milliseconds(),
		RetryCount:     payload.RetryCount,
		ErrorCode:      perr.Code,
		ErrorName:      perr.Name,
	})
}

// resultEntry seeds the audit row for a served request. Token counts and
// model land later, once the body or stream reveals them.
func resultEntry(res *scheduler.Result, dialect wire.Dialect, status int, start time.Time, streamed bool) store.Entry {
	e := store.Entry{
		ExecutionID:    res.ExecutionID,
		VirtualModelID: res.VirtualModelID,
		InstanceID:     res.InstanceID,
		Dialect:        string(dialect),
		Streamed:       streamed,
		Status:         status,
		LatencyMs:      time.Since(start).Milliseconds(),
		RetryCount:     res.RetryCount,
	}
	if res.Instance != nil {
		target := res.Instance.Target()
		e.Provider = target.Provider
		e.Model = target.Model
	}
	return e
}

func (s *Server) record(e store.Entry) {
	if s.audit == nil {
		return
	}
	s.audit.Append(e)
}
