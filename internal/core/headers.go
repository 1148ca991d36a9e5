package core

import (
	"net/http"
	"strconv"
	"strings"
)

// Header names shared by the header codec and the Protocol Handler.
const (
	HeaderUploadToken      = "Upload-Token"
	HeaderUploadOffset     = "Upload-Offset"
	HeaderUploadLength     = "Upload-Length"
	HeaderUploadComplete   = "Upload-Complete"
	HeaderUploadIncomplete = "Upload-Incomplete"
	HeaderUploadInteropVer = "Upload-Draft-Interop-Version"
	HeaderLocation         = "Location"
)

// resumableHeaders lists every header the Downstream Adapter strips
// before handing a synthesized request to the application handler.
var resumableHeaders = []string{
	HeaderUploadToken,
	HeaderUploadOffset,
	HeaderUploadLength,
	HeaderUploadComplete,
	HeaderUploadIncomplete,
	HeaderUploadInteropVer,
}

// ParseOffset parses an Upload-Offset or Upload-Length value: a
// non-negative base-10 integer with no sign, no leading/trailing
// whitespace and no structured-header parameters. Any deviation is
// ErrMalformedHeader.
func ParseOffset(raw string) (int64, error) {
	if raw == "" || strings.ContainsAny(raw, " \t;") {
		return 0, ErrMalformedHeader
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, ErrMalformedHeader
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ErrMalformedHeader
	}
	return n, nil
}

// ParseLength has identical semantics to ParseOffset.
func ParseLength(raw string) (int64, error) {
	return ParseOffset(raw)
}

// ParseInteropVersion parses Upload-Draft-Interop-Version: a
// non-negative integer, same grammar as ParseOffset.
func ParseInteropVersion(raw string) (int, error) {
	n, err := ParseOffset(raw)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ParseComplete parses whichever polarity of completeness header the
// negotiated interop version uses. Draft interop version 3 and later
// use Upload-Complete with direct polarity (?1 = complete); older
// drafts use Upload-Incomplete with inverted polarity (?1 = not yet
// complete). interopVersion picks which of the two headers is read —
// the other is ignored even if present, mirroring FormatComplete's
// choice of which header to write. Only the two structured-header
// booleans ?0 / ?1 are accepted; anything else is ErrMalformedHeader.
func ParseComplete(h http.Header, interopVersion int) (complete bool, present bool, err error) {
	if interopVersion >= 3 {
		v := h.Get(HeaderUploadComplete)
		if v == "" {
			return false, false, nil
		}
		b, err := parseBoolean(v)
		if err != nil {
			return false, true, err
		}
		return b, true, nil
	}
	v := h.Get(HeaderUploadIncomplete)
	if v == "" {
		return false, false, nil
	}
	b, err := parseBoolean(v)
	if err != nil {
		return false, true, err
	}
	return !b, true, nil
}

func parseBoolean(raw string) (bool, error) {
	switch raw {
	case "?1":
		return true, nil
	case "?0":
		return false, nil
	default:
		return false, ErrMalformedHeader
	}
}

// ParseToken extracts the Upload-Token's canonical byte-level form.
// The token is client-chosen and travels in the Upload-Token header as
// well as the resource path, so equality must be exact and
// case-sensitive — no normalization beyond stripping the
// structured-header byte-sequence delimiters (":").
func ParseToken(raw string) (string, error) {
	if raw == "" {
		return "", ErrMalformedHeader
	}
	if len(raw) >= 2 && raw[0] == ':' && raw[len(raw)-1] == ':' {
		raw = raw[1 : len(raw)-1]
	}
	if raw == "" {
		return "", ErrMalformedHeader
	}
	return raw, nil
}

// FormatToken serializes a token back into structured-header
// byte-sequence form for responses that echo it.
func FormatToken(token string) string {
	return ":" + token + ":"
}

// FormatComplete serializes the completeness flag using the polarity
// appropriate for interopVersion, mirroring ParseComplete.
func FormatComplete(h http.Header, interopVersion int, complete bool) {
	if interopVersion >= 3 {
		if complete {
			h.Set(HeaderUploadComplete, "?1")
		} else {
			h.Set(HeaderUploadComplete, "?0")
		}
		return
	}
	if complete {
		h.Set(HeaderUploadIncomplete, "?0")
	} else {
		h.Set(HeaderUploadIncomplete, "?1")
	}
}

// StripResumableHeaders removes every resumable-upload-specific header
// from h, used by the Downstream Adapter when synthesizing the request
// the application handler sees.
func StripResumableHeaders(h http.Header) {
	for _, name := range resumableHeaders {
		h.Del(name)
	}
}
