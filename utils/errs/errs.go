package errs

import (
	"errors"
	"fmt"
)

var (
	ErrAcceptSocket   = errors.New("accept a new connection error")
	ErrEngineShutdown = errors.New("server is going to be shutdown")
	ErrUnsupportedOp  = errors.New("unsupported operation")

	ErrChannelClosed     = errors.New("channel is closed")
	ErrIllegalState      = errors.New("illegal state")
	ErrConnectFailed     = errors.New("connect failed")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrPollerFailure     = errors.New("poller failure")
	ErrPollerClosed      = errors.New("poller is closed")
	ErrUnsupportedAddr   = errors.New("unsupported address")
)

// Lifecycle violations, all matching ErrIllegalState with errors.Is.
var (
	ErrIllegalBlockingMode = fmt.Errorf("%w: channel must be non-blocking while registered", ErrIllegalState)
	ErrAlreadyBound        = fmt.Errorf("%w: channel already bound", ErrIllegalState)
	ErrNotBound            = fmt.Errorf("%w: channel not bound", ErrIllegalState)
	ErrAlreadyConnected    = fmt.Errorf("%w: channel already connected", ErrIllegalState)
	ErrConnectionPending   = fmt.Errorf("%w: connection pending", ErrIllegalState)
	ErrNoConnectionPending = fmt.Errorf("%w: no connection pending", ErrIllegalState)
	ErrNotConnected        = fmt.Errorf("%w: channel not connected", ErrIllegalState)
	ErrCancelledKey        = fmt.Errorf("%w: registration cancelled", ErrIllegalState)
)
