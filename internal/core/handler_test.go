package core

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoDownstream(t *testing.T) Downstream {
	return func(w http.ResponseWriter, r *http.Request) error {
		b, err := io.ReadAll(r.Body)
		if errors.Is(err, ErrTerminated) {
			// A DELETE terminated the upload's body stream (TestHandler_Cancel).
			return err
		}
		require.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
		_, err = w.Write(b)
		return err
	}
}

func newTestHandler(t *testing.T, downstream Downstream) *Handler {
	cfg := Config{PathPrefix: "/uploads/"}.WithDefaults()
	return NewHandler(cfg, downstream, zap.NewNop())
}

// TestHandler_CleanTwoPartUpload drives a creation request that declares
// the upload incomplete, followed by an append that finishes it,
// mirroring the simplest multi-request resumable upload.
func TestHandler_CleanTwoPartUpload(t *testing.T) {
	h := newTestHandler(t, echoDownstream(t))

	create := httptest.NewRequest(http.MethodPost, "/uploads/", strings.NewReader("hello"))
	create.Header.Set(HeaderUploadToken, ":tok1:")
	create.Header.Set(HeaderUploadLength, "10")
	create.Header.Set(HeaderUploadComplete, "?0")
	wCreate := httptest.NewRecorder()

	require.NoError(t, h.Handle(wCreate, create))
	assert.Equal(t, http.StatusCreated, wCreate.Code)
	assert.Equal(t, "5", wCreate.Header().Get(HeaderUploadOffset))
	assert.Equal(t, "/uploads/tok1", wCreate.Header().Get(HeaderLocation))
	assert.Equal(t, 1, h.registry.Len())

	appendReq := httptest.NewRequest(http.MethodPatch, "/uploads/tok1", strings.NewReader("world"))
	appendReq.Header.Set(HeaderUploadOffset, "5")
	appendReq.Header.Set(HeaderUploadComplete, "?1")
	wAppend := httptest.NewRecorder()

	require.NoError(t, h.Handle(wAppend, appendReq))
	assert.Equal(t, http.StatusCreated, wAppend.Code)
	assert.Equal(t, "helloworld", wAppend.Body.String())
	assert.Equal(t, 0, h.registry.Len())
}

// TestHandler_OffsetMismatch checks that resuming at the wrong offset is
// rejected with 409 and leaves the record untouched.
func TestHandler_OffsetMismatch(t *testing.T) {
	h := newTestHandler(t, echoDownstream(t))

	create := httptest.NewRequest(http.MethodPost, "/uploads/", strings.NewReader("hello"))
	create.Header.Set(HeaderUploadToken, ":tok2:")
	create.Header.Set(HeaderUploadLength, "10")
	create.Header.Set(HeaderUploadComplete, "?0")
	require.NoError(t, h.Handle(httptest.NewRecorder(), create))

	appendReq := httptest.NewRequest(http.MethodPatch, "/uploads/tok2", strings.NewReader("world"))
	appendReq.Header.Set(HeaderUploadOffset, "999")
	appendReq.Header.Set(HeaderUploadComplete, "?1")
	w := httptest.NewRecorder()

	require.NoError(t, h.Handle(w, appendReq))
	assert.Equal(t, http.StatusConflict, w.Code)

	record, ok := h.registry.Find("tok2")
	require.True(t, ok)
	assert.Equal(t, int64(5), record.Snapshot().Offset)
}

// TestHandler_InteropVersionMismatch checks that an append naming a
// different draft interop version than the upload was created with is
// rejected with 412.
func TestHandler_InteropVersionMismatch(t *testing.T) {
	h := newTestHandler(t, echoDownstream(t))

	create := httptest.NewRequest(http.MethodPost, "/uploads/", strings.NewReader("hello"))
	create.Header.Set(HeaderUploadToken, ":tok3:")
	create.Header.Set(HeaderUploadLength, "10")
	create.Header.Set(HeaderUploadComplete, "?0")
	create.Header.Set(HeaderUploadInteropVer, "4")
	require.NoError(t, h.Handle(httptest.NewRecorder(), create))

	appendReq := httptest.NewRequest(http.MethodPatch, "/uploads/tok3", strings.NewReader("world"))
	appendReq.Header.Set(HeaderUploadOffset, "5")
	appendReq.Header.Set(HeaderUploadInteropVer, "1")
	appendReq.Header.Set(HeaderUploadComplete, "?1")
	w := httptest.NewRecorder()

	require.NoError(t, h.Handle(w, appendReq))
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

// TestHandler_OffsetRetrieval checks HEAD against a partially uploaded
// resource without attaching a producer.
func TestHandler_OffsetRetrieval(t *testing.T) {
	h := newTestHandler(t, echoDownstream(t))

	create := httptest.NewRequest(http.MethodPost, "/uploads/", strings.NewReader("hello"))
	create.Header.Set(HeaderUploadToken, ":tok4:")
	create.Header.Set(HeaderUploadLength, "10")
	create.Header.Set(HeaderUploadComplete, "?0")
	require.NoError(t, h.Handle(httptest.NewRecorder(), create))

	head := httptest.NewRequest(http.MethodHead, "/uploads/tok4", nil)
	w := httptest.NewRecorder()
	require.NoError(t, h.Handle(w, head))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "5", w.Header().Get(HeaderUploadOffset))
	assert.Equal(t, 1, h.registry.Len())
}

// TestHandler_UnknownTokenIs404 checks HEAD/PATCH/DELETE against a
// token the registry has never seen.
func TestHandler_UnknownTokenIs404(t *testing.T) {
	h := newTestHandler(t, echoDownstream(t))

	for _, method := range []string{http.MethodHead, http.MethodPatch, http.MethodDelete} {
		req := httptest.NewRequest(method, "/uploads/ghost", nil)
		if method == http.MethodPatch {
			req.Header.Set(HeaderUploadOffset, "0")
		}
		w := httptest.NewRecorder()
		require.NoError(t, h.Handle(w, req))
		assert.Equal(t, http.StatusNotFound, w.Code, "method %s", method)
	}
}

// TestHandler_Cancel checks that DELETE tears an in-progress upload
// down, and that the cancelled token is kept as a Terminated tombstone
// rather than vanishing: a subsequent HEAD or PATCH against it must see
// 410 Gone, not 404, until the tombstone is eventually reaped.
func TestHandler_Cancel(t *testing.T) {
	h := newTestHandler(t, echoDownstream(t))

	create := httptest.NewRequest(http.MethodPost, "/uploads/", strings.NewReader("hello"))
	create.Header.Set(HeaderUploadToken, ":tok5:")
	create.Header.Set(HeaderUploadLength, "10")
	create.Header.Set(HeaderUploadComplete, "?0")
	require.NoError(t, h.Handle(httptest.NewRecorder(), create))
	require.Equal(t, 1, h.registry.Len())

	del := httptest.NewRequest(http.MethodDelete, "/uploads/tok5", nil)
	w := httptest.NewRecorder()
	require.NoError(t, h.Handle(w, del))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, h.registry.Len(), "cancelled upload stays tombstoned, not removed")

	head := httptest.NewRequest(http.MethodHead, "/uploads/tok5", nil)
	w2 := httptest.NewRecorder()
	require.NoError(t, h.Handle(w2, head))
	assert.Equal(t, http.StatusGone, w2.Code)

	appendReq := httptest.NewRequest(http.MethodPatch, "/uploads/tok5", strings.NewReader("world"))
	appendReq.Header.Set(HeaderUploadOffset, "3")
	w3 := httptest.NewRecorder()
	require.NoError(t, h.Handle(w3, appendReq))
	assert.Equal(t, http.StatusGone, w3.Code)
}

// TestHandler_CancelTombstoneReaped checks that a cancelled token is
// eventually removed from the registry by the same idle-timeout
// mechanism that reaps an Idle upload, once IdleTimeout is configured.
func TestHandler_CancelTombstoneReaped(t *testing.T) {
	cfg := Config{PathPrefix: "/uploads/", IdleTimeout: 10 * time.Millisecond}.WithDefaults()
	h := NewHandler(cfg, echoDownstream(t), zap.NewNop())

	create := httptest.NewRequest(http.MethodPost, "/uploads/", strings.NewReader("hello"))
	create.Header.Set(HeaderUploadToken, ":tok8:")
	create.Header.Set(HeaderUploadLength, "10")
	create.Header.Set(HeaderUploadComplete, "?0")
	require.NoError(t, h.Handle(httptest.NewRecorder(), create))

	del := httptest.NewRequest(http.MethodDelete, "/uploads/tok8", nil)
	require.NoError(t, h.Handle(httptest.NewRecorder(), del))
	require.Equal(t, 1, h.registry.Len())

	require.Eventually(t, func() bool {
		return h.registry.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

// TestHandler_CompletingResponseForwardsDownstreamStatus checks that
// the completing request forwards whatever status the application
// handler actually wrote, even when that status is not 201 — the
// resumable-upload headers are layered on top regardless.
func TestHandler_CompletingResponseForwardsDownstreamStatus(t *testing.T) {
	downstream := func(w http.ResponseWriter, r *http.Request) error {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, err := w.Write([]byte("queued"))
		return err
	}
	h := newTestHandler(t, downstream)

	create := httptest.NewRequest(http.MethodPost, "/uploads/", strings.NewReader("hello"))
	create.Header.Set(HeaderUploadToken, ":tok9:")
	create.Header.Set(HeaderUploadComplete, "?1")
	w := httptest.NewRecorder()

	require.NoError(t, h.Handle(w, create))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "queued", w.Body.String())
}

// TestHandler_TokenReuseRejectedByDefault checks that a fresh POST
// against an in-use token is rejected with 409 unless configured to
// replace.
func TestHandler_TokenReuseRejectedByDefault(t *testing.T) {
	h := newTestHandler(t, echoDownstream(t))

	create1 := httptest.NewRequest(http.MethodPost, "/uploads/", strings.NewReader("hello"))
	create1.Header.Set(HeaderUploadToken, ":tok6:")
	create1.Header.Set(HeaderUploadLength, "10")
	create1.Header.Set(HeaderUploadComplete, "?0")
	require.NoError(t, h.Handle(httptest.NewRecorder(), create1))

	create2 := httptest.NewRequest(http.MethodPost, "/uploads/", strings.NewReader("again"))
	create2.Header.Set(HeaderUploadToken, ":tok6:")
	create2.Header.Set(HeaderUploadComplete, "?0")
	w := httptest.NewRecorder()
	require.NoError(t, h.Handle(w, create2))
	assert.Equal(t, http.StatusConflict, w.Code)
}

// TestHandler_ShouldIntercept checks that dispatch is gated on the
// presence of resumable-upload headers, not path alone, so ordinary
// application traffic under the upload-collection path is passed
// through untouched.
func TestHandler_ShouldIntercept(t *testing.T) {
	h := newTestHandler(t, echoDownstream(t))

	cases := []struct {
		name   string
		method string
		path   string
		header string
		value  string
		want   bool
	}{
		{"POST with Upload-Token is create", http.MethodPost, "/uploads/", HeaderUploadToken, ":tok:", true},
		{"POST without Upload-Token passes through", http.MethodPost, "/uploads/", "", "", false},
		{"PATCH with Upload-Offset is append", http.MethodPatch, "/uploads/tok", HeaderUploadOffset, "0", true},
		{"PATCH without Upload-Offset passes through", http.MethodPatch, "/uploads/tok", "", "", false},
		{"HEAD against a sub-resource is offset retrieval", http.MethodHead, "/uploads/tok", "", "", true},
		{"HEAD against the collection URL passes through", http.MethodHead, "/uploads/", "", "", false},
		{"DELETE against a sub-resource is cancel", http.MethodDelete, "/uploads/tok", "", "", true},
		{"GET is never intercepted", http.MethodGet, "/uploads/tok", "", "", false},
		{"unrelated path passes through", http.MethodPost, "/api/widgets", HeaderUploadToken, ":tok:", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			assert.Equal(t, tc.want, h.ShouldIntercept(req))
		})
	}
}

// TestHandler_ConflictingProducer checks that a second producer cannot
// attach while one is already streaming for the same token.
func TestHandler_ConflictingProducer(t *testing.T) {
	h := newTestHandler(t, echoDownstream(t))

	create := httptest.NewRequest(http.MethodPost, "/uploads/", strings.NewReader("hello"))
	create.Header.Set(HeaderUploadToken, ":tok7:")
	create.Header.Set(HeaderUploadLength, "10")
	create.Header.Set(HeaderUploadComplete, "?0")
	require.NoError(t, h.Handle(httptest.NewRecorder(), create))

	record, ok := h.registry.Find("tok7")
	require.True(t, ok)
	// Simulate a producer already mid-flight by forcing the record back
	// into Receiving without going through StreamBody.
	require.NoError(t, record.AttachProducer(4, 5, nil))

	appendReq := httptest.NewRequest(http.MethodPatch, "/uploads/tok7", strings.NewReader("world"))
	appendReq.Header.Set(HeaderUploadOffset, "5")
	w := httptest.NewRecorder()
	require.NoError(t, h.Handle(w, appendReq))
	assert.Equal(t, http.StatusConflict, w.Code)
}
