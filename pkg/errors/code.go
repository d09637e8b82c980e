package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Submission errors
// 13100-13199: Grading job errors
// 13200-13299: Sandbox errors
// 13300-13399: Queue errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError     ErrorCode = 10100
	RecordNotFound    ErrorCode = 10101
	TransactionFailed ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Object storage errors (10400-10499)
	StorageError ErrorCode = 10400

	// ========== Submission Errors (13000-13099) ==========

	SubmissionNotFound ErrorCode = 13000
	CodeTooLarge       ErrorCode = 13002

	// ========== Grading Job Errors (13100-13199) ==========

	LanguageNotSupported ErrorCode = 13100
	ImageNotAvailable    ErrorCode = 13101
	DecodeFailed         ErrorCode = 13102
	EncodeFailed         ErrorCode = 13103
	GradingUnavailable   ErrorCode = 13104

	// ========== Sandbox Errors (13200-13299) ==========

	RuntimeError        ErrorCode = 13200
	SandboxUnavailable  ErrorCode = 13201
	SandboxSetupFailed  ErrorCode = 13202
	TimeLimitExceeded   ErrorCode = 13203
	MemoryLimitExceeded ErrorCode = 13204

	// ========== Queue Errors (13300-13399) ==========

	QueueUnavailable ErrorCode = 13300
	PublishFailed    ErrorCode = 13301
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	// System
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:     "Database operation failed",
	RecordNotFound:    "Record not found in database",
	TransactionFailed: "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Storage
	StorageError: "Object storage operation failed",

	// Submission
	SubmissionNotFound: "Submission not found",
	CodeTooLarge:       "Code is too large",

	// Grading job
	LanguageNotSupported: "Programming language not supported",
	ImageNotAvailable:    "Sandbox image for language is not available",
	DecodeFailed:         "Failed to decode grading job",
	EncodeFailed:         "Failed to encode grading job",
	GradingUnavailable:   "Grading temporarily unavailable",

	// Sandbox
	RuntimeError:        "Runtime error",
	SandboxUnavailable:  "Sandbox runtime unavailable",
	SandboxSetupFailed:  "Failed to prepare sandbox",
	TimeLimitExceeded:   "Time limit exceeded",
	MemoryLimitExceeded: "Memory limit exceeded",

	// Queue
	QueueUnavailable: "Job queue unavailable",
	PublishFailed:    "Failed to publish message",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SubmissionNotFound, c == RecordNotFound:
		return 404
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == QueueUnavailable, c == SandboxUnavailable, c == GradingUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == ImageNotAvailable, c == DecodeFailed, c == CodeTooLarge:
		return 400
	default:
		return 500
	}
}
