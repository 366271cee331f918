package gateway

import "errors"

// WebSocket close codes used by the gateway protocol. Standard codes (1000, 1001) are defined by RFC 6455;
// the 4000 range is reserved for application use.
const (
	CloseNormal           = 1000
	CloseServerShutdown   = 4000
	CloseRateLimit        = 4001
	CloseAuthTimeout      = 4002
	CloseAuthFailed       = 4003
	CloseHeartbeatTimeout = 4004
	CloseProtocolError    = 4005
	CloseInternalError    = 4006
	CloseSlowConsumer     = 4007
)

// Sentinel errors for connection-level failure modes. Each maps to a close code above and is logged once at close.
var (
	ErrAuthTimeout      = errors.New("auth timeout")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrSlowConsumer     = errors.New("outbound queue full")
	ErrProtocolError    = errors.New("protocol error")
	ErrServerShutdown   = errors.New("server shutting down")
)
