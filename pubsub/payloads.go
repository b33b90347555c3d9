package pubsub

// The channel which carries sync lifecycle payloads (completions, failures).
const ChanLifecycle = "lifecycle"

// SyncComplete is fired when a connection finishes a full sync successfully.
// The API layer listens for this to chain the next platform's sync for the
// same tenant.
type SyncComplete struct {
	TenantID string
	Platform string
}

func (*SyncComplete) Type() string { return "s.complete" }

// SyncFailed is fired when a run aborts with a connection-level error.
type SyncFailed struct {
	TenantID string
	Platform string
	Message  string
}

func (*SyncFailed) Type() string { return "s.failed" }
