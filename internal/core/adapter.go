package core

import (
	"bytes"
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Downstream is any component that can receive a request, stream its
// body, and produce a response. In the Caddy module this is satisfied
// by caddyhttp.Handler.ServeHTTP; core stays agnostic to Caddy so it
// is expressed as a plain function type here.
type Downstream func(w http.ResponseWriter, r *http.Request) error

// CapturedResponse is the application handler's response, buffered
// until a transaction is available to deliver it to: if no producer
// is attached at the moment the handler finishes, the response is
// held until the next offset-retrieval or append request.
type CapturedResponse struct {
	Status int
	Header http.Header
	Body   []byte
	Err    error
}

// Adapter synthesizes one logical *http.Request for the application
// handler from the creation transaction, decoupling the handler's
// lifetime from any single HTTP transaction.
type Adapter struct {
	traceID string
	logger  *zap.Logger

	mu        sync.Mutex
	response  *CapturedResponse
	delivered bool
	done      chan struct{}
}

// NewAdapter synthesizes the downstream request from the creation
// transaction's method, URL and headers (minus resumable-upload
// headers) and starts the application handler against it in its own
// goroutine, fed by record's pipe reader for as long as the upload
// lives.
func NewAdapter(record *Record, creation *http.Request, downstream Downstream, logger *zap.Logger) *Adapter {
	a := &Adapter{
		traceID: uuid.NewString(),
		logger:  logger,
		done:    make(chan struct{}),
	}

	header := creation.Header.Clone()
	StripResumableHeaders(header)
	header.Set("X-Request-Id", a.traceID)

	// Keep the creation request's context values but not its
	// cancellation: the handler outlives that transaction.
	synthesized := creation.Clone(context.WithoutCancel(creation.Context()))
	synthesized.Header = header
	synthesized.Body = record.ProducerReader()
	synthesized.ContentLength = -1
	if record.Snapshot().TotalLength != nil {
		synthesized.ContentLength = *record.Snapshot().TotalLength
	}

	rec := &capturingResponseWriter{header: make(http.Header)}

	go func() {
		defer close(a.done)
		err := downstream(rec, synthesized)
		a.mu.Lock()
		defer a.mu.Unlock()
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		a.response = &CapturedResponse{
			Status: status,
			Header: rec.header,
			Body:   rec.body.Bytes(),
			Err:    err,
		}
		if err != nil {
			logger.Error("downstream handler returned an error",
				zap.String("trace_id", a.traceID), zap.Error(err))
		}
	}()

	return a
}

// TraceID identifies this upload's synthesized downstream call in logs.
func (a *Adapter) TraceID() string { return a.traceID }

// WaitResponse blocks until the application handler has written its
// response or ctx is done. Called by the Protocol Handler only from
// the transaction that is attached as producer at the moment the
// upload completes, so the response is always delivered somewhere;
// TakeReady lets a later transaction pick it up if WaitResponse was
// never called for the completing transaction.
func (a *Adapter) WaitResponse(ctx context.Context) (*CapturedResponse, error) {
	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		a.delivered = true
		return a.response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TakeReady returns the captured response if the application handler
// has already finished and no transaction has delivered it yet. Used
// by the HEAD/PATCH flows on any record that is not Terminated, so a
// response that finished between transactions still reaches the client
// exactly once.
func (a *Adapter) TakeReady() (*CapturedResponse, bool) {
	select {
	case <-a.done:
	default:
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.delivered {
		return nil, false
	}
	a.delivered = true
	return a.response, true
}

// capturingResponseWriter buffers the application handler's response
// instead of writing it to any live connection, since the handler may
// finish long after the HTTP transaction that triggered completion has
// itself already had to respond (or may finish while no transaction is
// attached at all).
type capturingResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *capturingResponseWriter) Header() http.Header { return c.header }

func (c *capturingResponseWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *capturingResponseWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}
