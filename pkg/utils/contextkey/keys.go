package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID      key = "trace_id"
	RequestID    key = "request_id"
	SubmissionID key = "submission_id"
	// MessageID is the queue message id of the delivery being handled.
	MessageID key = "message_id"
)
