package errs

// Coded failures surfaced by the storage and relay layers. Callers at
// the manager boundary log these and keep going; they are never sent to
// a connected client.
var (
	ErrRedisNotReady = NewCodeError(500, "redis not initialized")
	ErrRelayNotReady = NewCodeError(501, "relay bus not started")
	ErrTokenExpired  = NewCodeError(401, "token invalid or expired")
)
