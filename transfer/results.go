package transfer

// Reason is a machine-distinguishable failure class. UIs use it to decide
// whether a failed operation is worth a "retry" offer: network and timeout
// failures are retryable, a peer's rejection is not.
type Reason string

const (
	// ReasonOK marks a successful result.
	ReasonOK Reason = "ok"
	// ReasonNetwork covers unreachable peers, resets and transport errors.
	ReasonNetwork Reason = "network"
	// ReasonTimeout covers expired deadlines, including an ignored confirm.
	ReasonTimeout Reason = "timeout"
	// ReasonRejected means the peer explicitly declined.
	ReasonRejected Reason = "rejected"
	// ReasonProtocol covers unknown IDs, wrong status and malformed bodies.
	ReasonProtocol Reason = "protocol"
	// ReasonLocalIO covers local filesystem failures.
	ReasonLocalIO Reason = "local_io"
)

// RequestResult is the outcome of the first handshake phase.
type RequestResult struct {
	Success   bool
	RequestID string
	Message   string
	Reason    Reason
}

// ConfirmResult is the outcome of waiting for (or relaying) a decision.
// Success reports whether a terminal decision was observed; Accepted holds
// the decision itself. A timeout yields Success=false with Reason=timeout,
// distinct from an explicit rejection.
type ConfirmResult struct {
	Success  bool
	Accepted bool
	Message  string
	Reason   Reason
}

// SendResult is the outcome of the byte-streaming phase.
type SendResult struct {
	Success  bool
	Message  string
	Filename string
	// Path is where the receiver saved the file.
	Path   string
	Reason Reason
}
