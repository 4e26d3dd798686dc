package tunnel

import "errors"

// Failure classes surfaced by the relay path. These are wrapped with
// connection detail via fmt.Errorf and matched with errors.Is.
var (
	// ErrUnreachable means a connect or timeout failure reaching the
	// upstream backend. The dispatcher never retries it; fallback is a
	// client-side concern.
	ErrUnreachable = errors.New("upstream unreachable")

	// ErrAuthFailed means the upstream rejected the configured credentials.
	// Retrying cannot succeed without new credentials.
	ErrAuthFailed = errors.New("upstream auth failed")

	// ErrSessionBroken means a mid-session I/O error; both halves of the
	// session are closed immediately.
	ErrSessionBroken = errors.New("session broken")

	// ErrProtocol means malformed framing or a codec decode failure. The
	// connection is dropped without echoing a diagnostic to the peer.
	ErrProtocol = errors.New("protocol error")

	errIdleTimeout = errors.New("idle timeout")
)
