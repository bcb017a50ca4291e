package admission

import "time"

// AuthTimer expires connections that fail to authenticate within the
// configured deadline.
type AuthTimer struct {
	timer *time.Timer
}

// StartAuthTimer arms a one-shot deadline; expire runs on its own
// goroutine if the deadline passes before Stop.
func StartAuthTimer(deadline time.Duration, expire func()) *AuthTimer {
	return &AuthTimer{timer: time.AfterFunc(deadline, expire)}
}

// Stop cancels the deadline. Stopping an already-fired or already-stopped
// timer is a no-op.
func (t *AuthTimer) Stop() {
	if t == nil || t.timer == nil {
		return
	}
	t.timer.Stop()
}
