package protocol

// Reserved control methods handled by the session layer on both ends.
const (
	MethodHello       = "wsmux.hello"
	MethodSubscribe   = "wsmux.subscribe"
	MethodUnsubscribe = "wsmux.unsubscribe"

	// ReservedPrefix namespaces control methods; applications may not register under it.
	ReservedPrefix = "wsmux."
)

// Error codes carried in ErrorPayload.Code (JSON-RPC numbering).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeUnauthorized   = -32001
	CodeCallbackFailed = -32002
)
