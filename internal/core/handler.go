package core

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler is the Protocol Handler: it interprets incoming requests and
// dispatches one of the five resumable-upload flows, one method per
// flow, plus interop-version negotiation.
type Handler struct {
	cfg        Config
	registry   *Registry
	downstream Downstream
	logger     *zap.Logger
}

// NewHandler builds a Protocol Handler bound to a fresh Registry.
// downstream is the application handler; cfg is defaulted via
// WithDefaults before use.
func NewHandler(cfg Config, downstream Downstream, logger *zap.Logger) *Handler {
	cfg = cfg.WithDefaults()
	return &Handler{
		cfg:        cfg,
		registry:   NewRegistry(cfg, logger),
		downstream: downstream,
		logger:     logger,
	}
}

// ShouldIntercept reports whether r is shaped like one of the five
// resumable-upload flows: the right method AND the headers that flow
// requires present. Dispatch is by method and the presence of
// resumable-upload headers, not by path alone — a plain POST against
// the upload-collection URL carrying no Upload-Token is an ordinary
// request the application handler owns, not a creation attempt, and
// must fall through unmodified. Callers pass r to Handle only when
// this returns true; every other method/header combination is passed
// through unmodified to the downstream handler, making the middleware
// transparent for non-resumable requests.
func (h *Handler) ShouldIntercept(r *http.Request) bool {
	path := r.URL.Path
	switch r.Method {
	case http.MethodPost:
		return path == h.cfg.PathPrefix && r.Header.Get(HeaderUploadToken) != ""
	case http.MethodPatch:
		return h.isSubResource(path) && r.Header.Get(HeaderUploadOffset) != ""
	case http.MethodHead, http.MethodDelete:
		return h.isSubResource(path)
	default:
		return false
	}
}

// isSubResource reports whether path names a specific upload beneath
// the collection URL (PathPrefix + token), as opposed to the
// collection URL itself.
func (h *Handler) isSubResource(path string) bool {
	return strings.HasPrefix(path, h.cfg.PathPrefix) && len(path) > len(h.cfg.PathPrefix)
}

func (h *Handler) tokenFromPath(path string) string {
	return strings.TrimPrefix(path, h.cfg.PathPrefix)
}

// Handle dispatches r to one of the five flows by method. Callers
// must have already confirmed ShouldIntercept(r); any other method
// is rejected here with 405 (transparent passthrough is the caller's
// job, not Handle's).
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodPost:
		return h.create(w, r)
	case http.MethodPatch:
		return h.append(w, r)
	case http.MethodHead:
		return h.offset(w, r)
	case http.MethodDelete:
		return h.cancel(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
}

// negotiateInterop resolves the Upload-Draft-Interop-Version for a
// creation request: the header value if present and accepted,
// DefaultInteropVersion if the header is absent, or
// ErrInteropUnsupported if present but not one this server negotiates.
func (h *Handler) negotiateInterop(r *http.Request) (int, error) {
	raw := r.Header.Get(HeaderUploadInteropVer)
	if raw == "" {
		return DefaultInteropVersion, nil
	}
	v, err := ParseInteropVersion(raw)
	if err != nil {
		return 0, err
	}
	if !h.cfg.AcceptsInterop(v) {
		return 0, ErrInteropUnsupported
	}
	return v, nil
}

// writeProtocolHeaders sets the resumable-upload headers required on
// every response regardless of flow.
func writeProtocolHeaders(w http.ResponseWriter, snap Snapshot) {
	w.Header().Set(HeaderUploadInteropVer, strconv.Itoa(snap.InteropVersion))
	w.Header().Set(HeaderUploadOffset, strconv.FormatInt(snap.Offset, 10))
	if snap.TotalLength != nil {
		w.Header().Set(HeaderUploadLength, strconv.FormatInt(*snap.TotalLength, 10))
	}
	FormatComplete(w.Header(), snap.InteropVersion, snap.Complete)
}

// create implements the two creation flows, create-with-upload and
// create-with-draft-interop, which are the same flow differing only
// in whether Upload-Draft-Interop-Version was present on the request.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) error {
	interopVersion, err := h.negotiateInterop(r)
	if err != nil {
		w.WriteHeader(StatusCode(err))
		return nil
	}

	token, err := ParseToken(r.Header.Get(HeaderUploadToken))
	if err != nil {
		w.WriteHeader(StatusCode(err))
		return nil
	}

	var length *int64
	if raw := r.Header.Get(HeaderUploadLength); raw != "" {
		n, err := ParseLength(raw)
		if err != nil {
			w.WriteHeader(StatusCode(err))
			return nil
		}
		length = &n
	}

	record, created := h.registry.FindOrCreate(token, interopVersion)
	if !created {
		if h.cfg.TokenReuse == ReusePolicyReject {
			w.WriteHeader(StatusCode(ErrTokenInUse))
			return nil
		}
		_ = h.registry.Remove(token)
		record, _ = h.registry.FindOrCreate(token, interopVersion)
	}

	if err := record.AttachProducer(interopVersion, 0, length); err != nil {
		writeProtocolHeaders(w, record.Snapshot())
		w.WriteHeader(StatusCode(err))
		return nil
	}

	record.SetConsumer(NewAdapter(record, r, h.downstream, h.logger))

	w.Header().Set(HeaderLocation, h.cfg.PathPrefix+token)
	if r.Header.Get(HeaderUploadInteropVer) != "" {
		w.Header().Set(HeaderUploadInteropVer, strconv.Itoa(interopVersion))
		w.WriteHeader(104)
	}

	complete, present, completeErr := ParseComplete(r.Header, interopVersion)
	record.SetDeclaredComplete(complete, present, completeErr)

	body := armTransferInactivity(w, r.Body, h.cfg.TransferInactivityTimeout)
	result, streamErr := record.StreamBody(r.Context(), body)
	h.logger.Info("create",
		zap.String("token", token),
		zap.Int64("offset", result.NewOffset),
		zap.String("state", result.NewState.String()))

	return h.finishTransaction(w, r.Context(), record, result, streamErr)
}

// append implements the append flow.
func (h *Handler) append(w http.ResponseWriter, r *http.Request) error {
	token := h.tokenFromPath(r.URL.Path)
	record, ok := h.registry.Find(token)
	if !ok {
		w.WriteHeader(StatusCode(ErrUnknownToken))
		return nil
	}

	if record.Snapshot().State == StateTerminated {
		w.WriteHeader(StatusCode(ErrTerminated))
		return nil
	}

	if resp, found := takeReadyIfConsumer(record); found {
		h.deliverCaptured(w, record, resp)
		_ = h.registry.Remove(token)
		return resp.Err
	}

	offset, err := requireOffset(r)
	if err != nil {
		w.WriteHeader(StatusCode(err))
		return nil
	}

	var length *int64
	if raw := r.Header.Get(HeaderUploadLength); raw != "" {
		n, err := ParseLength(raw)
		if err != nil {
			w.WriteHeader(StatusCode(err))
			return nil
		}
		length = &n
	}

	interopVersion := record.Snapshot().InteropVersion
	if raw := r.Header.Get(HeaderUploadInteropVer); raw != "" {
		v, err := ParseInteropVersion(raw)
		if err != nil {
			w.WriteHeader(StatusCode(err))
			return nil
		}
		interopVersion = v
	}

	if err := record.AttachProducer(interopVersion, offset, length); err != nil {
		writeProtocolHeaders(w, record.Snapshot())
		w.WriteHeader(StatusCode(err))
		return nil
	}

	complete, present, completeErr := ParseComplete(r.Header, interopVersion)
	record.SetDeclaredComplete(complete, present, completeErr)

	body := armTransferInactivity(w, r.Body, h.cfg.TransferInactivityTimeout)
	result, streamErr := record.StreamBody(r.Context(), body)
	h.logger.Info("append",
		zap.String("token", token),
		zap.Int64("offset", result.NewOffset),
		zap.String("state", result.NewState.String()))

	return h.finishTransaction(w, r.Context(), record, result, streamErr)
}

// finishTransaction writes the response for whichever state StreamBody
// left the record in, shared by create and append. On Complete it
// waits for the application handler's response and forwards it, then
// removes the record from the Registry now that the handler has
// signaled completion.
func (h *Handler) finishTransaction(w http.ResponseWriter, ctx context.Context, record *Record, result StreamResult, streamErr error) error {
	switch result.NewState {
	case StateTerminated:
		w.WriteHeader(StatusCode(ErrTerminated))
		return nil
	case StateComplete:
		consumer := record.Consumer()
		resp, err := consumer.WaitResponse(ctx)
		if err != nil {
			// Our own transaction is gone (client disconnected while the
			// application handler was still draining); nothing to write.
			return err
		}
		h.deliverCaptured(w, record, resp)
		_ = h.registry.Remove(record.Token())
		return resp.Err
	default: // StateIdle
		writeProtocolHeaders(w, record.Snapshot())
		w.WriteHeader(http.StatusCreated)
		return streamErr
	}
}

// deliverCaptured writes a CapturedResponse from the Downstream
// Adapter, layering the mandatory resumable-upload headers on top of
// whatever the application handler set.
func (h *Handler) deliverCaptured(w http.ResponseWriter, record *Record, resp *CapturedResponse) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	writeProtocolHeaders(w, record.Snapshot())
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// offset implements offset retrieval. It never attaches a producer.
func (h *Handler) offset(w http.ResponseWriter, r *http.Request) error {
	token := h.tokenFromPath(r.URL.Path)
	record, ok := h.registry.Find(token)
	if !ok {
		w.WriteHeader(StatusCode(ErrUnknownToken))
		return nil
	}

	snap := record.Snapshot()
	if snap.State == StateTerminated {
		w.WriteHeader(StatusCode(ErrTerminated))
		return nil
	}

	if resp, found := takeReadyIfConsumer(record); found {
		h.deliverCaptured(w, record, resp)
		_ = h.registry.Remove(token)
		return resp.Err
	}

	// An offset retrieval counts as activity for idle reaping.
	record.mu.Lock()
	if record.state == StateIdle {
		record.lastActivity = time.Now()
		record.armIdleTimerLocked()
	}
	record.mu.Unlock()

	writeProtocolHeaders(w, snap)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// cancel implements the cancel flow: DELETE tears the record down. An
// errgroup runs the producer-side termination and the wait for the
// Downstream Adapter's goroutine to observe it concurrently, since
// aborting the producer and aborting the downstream handler are two
// independent observers of the same Terminated transition rather than
// a single sequential step. The record stays in the Registry as a
// Terminated tombstone: it is not removed here, so a later PATCH/HEAD
// against the same token still finds it and answers 410, rather than
// 404 from a vanished token. armIdleTimerLocked inside Terminate
// schedules the eventual removal.
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) error {
	token := h.tokenFromPath(r.URL.Path)
	record, ok := h.registry.Find(token)
	if !ok {
		w.WriteHeader(StatusCode(ErrUnknownToken))
		return nil
	}

	g, gctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		record.Terminate(ErrTerminated)
		return nil
	})
	g.Go(func() error {
		consumer := record.Consumer()
		if consumer == nil {
			return nil
		}
		select {
		case <-consumer.done:
		case <-gctx.Done():
		}
		return nil
	})
	_ = g.Wait()

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// armTransferInactivity extends the connection's read deadline on
// every successful body read, so a producer that stops sending bytes
// for cfg.TransferInactivityTimeout has its request body read fail
// with os.ErrDeadlineExceeded. A ResponseWriter that does not support
// read deadlines (e.g. in tests) just leaves the deadline unset; the
// inactivity timeout then never fires.
func armTransferInactivity(w http.ResponseWriter, body io.Reader, timeout time.Duration) io.Reader {
	if timeout <= 0 {
		return body
	}
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Now().Add(timeout))
	return &deadlineExtendingReader{r: body, rc: rc, timeout: timeout}
}

type deadlineExtendingReader struct {
	r       io.Reader
	rc      *http.ResponseController
	timeout time.Duration
}

func (d *deadlineExtendingReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err == nil {
		_ = d.rc.SetReadDeadline(time.Now().Add(d.timeout))
	}
	return n, err
}

// requireOffset parses the mandatory Upload-Offset header for an
// append request.
func requireOffset(r *http.Request) (int64, error) {
	raw := r.Header.Get(HeaderUploadOffset)
	if raw == "" {
		return 0, ErrMalformedHeader
	}
	return ParseOffset(raw)
}

// takeReadyIfConsumer is a nil-safe wrapper around Adapter.TakeReady:
// a record only has a Consumer once create has run, so append/offset
// flows look it up through here rather than assume it is set.
func takeReadyIfConsumer(record *Record) (*CapturedResponse, bool) {
	c := record.Consumer()
	if c == nil {
		return nil, false
	}
	return c.TakeReady()
}
