package core

import "time"

// TokenReusePolicy decides what happens when a creation-shaped request
// (POST) names an Upload-Token the Registry already knows about.
type TokenReusePolicy int

const (
	// ReusePolicyReject answers a fresh POST against a known token with
	// 409 Conflict and leaves the existing record untouched. Default.
	ReusePolicyReject TokenReusePolicy = iota
	// ReusePolicyReplace discards the existing record and starts a new
	// upload under the same token. Opt-in only.
	ReusePolicyReplace
)

// Config holds the resumable-upload middleware's policy knobs and the
// path scheme it exposes. The root package's Caddy module mirrors these
// fields with its own JSON tags and builds a Config from them in
// Provision.
type Config struct {
	// IdleTimeout reaps an Idle record that has seen no append or
	// offset-retrieval for this long. Zero disables idle reaping.
	IdleTimeout time.Duration `json:"idle_timeout,omitempty"`

	// TransferInactivityTimeout aborts a Receiving producer that stops
	// delivering bytes for this long, returning the record to Idle.
	// Zero disables it.
	TransferInactivityTimeout time.Duration `json:"transfer_inactivity_timeout,omitempty"`

	// MaxChunkBytes bounds how many producer bytes may be in flight
	// toward the Downstream Adapter at once before producer transport
	// reads are paused. Implemented as the weight of a
	// golang.org/x/sync/semaphore.Weighted guarding the record's
	// io.Pipe writes.
	MaxChunkBytes int64 `json:"max_chunk_bytes,omitempty"`

	// TokenReuse governs POST against an existing token.
	TokenReuse TokenReusePolicy `json:"token_reuse,omitempty"`

	// AcceptedInteropVersions lists the draft interop versions this
	// server negotiates. A request naming any other version gets
	// ErrInteropUnsupported (412). Defaults to just
	// DefaultInteropVersion, so a creation request naming an older
	// draft version is rejected unless the host opts into accepting it.
	AcceptedInteropVersions []int `json:"accepted_interop_versions,omitempty"`

	// PathPrefix is the upload-collection URL, e.g. "/uploads/"; POST
	// targets it directly, PATCH/HEAD/DELETE target PathPrefix+token.
	PathPrefix string `json:"path_prefix,omitempty"`
}

// DefaultInteropVersion is negotiated when a creation request omits
// Upload-Draft-Interop-Version entirely.
const DefaultInteropVersion = 4

// DefaultMaxChunkBytes bounds a single in-flight producer write when
// Config.MaxChunkBytes is left at zero.
const DefaultMaxChunkBytes = 1 << 20 // 1 MiB

// WithDefaults returns a copy of c with zero-valued fields replaced by
// the module's defaults.
func (c Config) WithDefaults() Config {
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if len(c.AcceptedInteropVersions) == 0 {
		c.AcceptedInteropVersions = []int{DefaultInteropVersion}
	}
	if c.PathPrefix == "" {
		c.PathPrefix = "/uploads/"
	}
	return c
}

// AcceptsInterop reports whether version is one this server negotiates.
func (c Config) AcceptsInterop(version int) bool {
	for _, v := range c.AcceptedInteropVersions {
		if v == version {
			return true
		}
	}
	return false
}
