package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Protocol errors (100-199)
	ErrCodeProtocol        ErrorCode = 100
	ErrCodeBadPayload      ErrorCode = 101
	ErrCodeUnknownVerb     ErrorCode = 102
	ErrCodeVersionMismatch ErrorCode = 103

	// Transport errors (200-299)
	ErrCodeDelivery       ErrorCode = 200
	ErrCodeBind           ErrorCode = 201
	ErrCodeConnClosed     ErrorCode = 202
	ErrCodeRequestTimeout ErrorCode = 203
	ErrCodeNotConnected   ErrorCode = 204

	// Strategy/startup errors (300-399)
	ErrCodeStartup              ErrorCode = 300
	ErrCodeStrategyNotLoaded    ErrorCode = 301
	ErrCodeUnsupportedStrategy  ErrorCode = 302
	ErrCodeStrategyRuntime      ErrorCode = 303
	ErrCodeInvalidConfiguration ErrorCode = 304

	// Health errors (400-499)
	ErrCodeHealthTimeout     ErrorCode = 400
	ErrCodeRestartExhausted  ErrorCode = 401
	ErrCodeInvalidTransition ErrorCode = 402

	// Pool errors (500-599)
	ErrCodePoolClosed    ErrorCode = 500
	ErrCodeSpawnFailed   ErrorCode = 501
	ErrCodeUnknownWorker ErrorCode = 502
	ErrCodeStopTimeout   ErrorCode = 503

	// Journal errors (600-699)
	ErrCodeJournalWrite ErrorCode = 600
	ErrCodeJournalQuery ErrorCode = 601
)
