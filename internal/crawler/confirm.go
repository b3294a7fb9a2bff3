package crawler

import (
	"strings"
	"time"

	"github.com/nerrad567/okm-core/internal/link"
)

// confirmPollTick is the pause between empty reads while waiting for a
// confirmation.
const confirmPollTick = 5 * time.Millisecond

// AwaitConfirmation reads from l until a message containing expected
// arrives or timeout elapses. Messages that do not match are discarded and
// returned so the caller can log them.
//
// The deadline uses the monotonic clock. The call returns within timeout
// plus one poll tick, or one bus exchange on the RS-485 transport. It does
// not watch a context: an order already on the wire must be confirmed or
// corrected before the crawler stops.
func AwaitConfirmation(l link.DeviceLink, expected string, timeout time.Duration) (bool, []string) {
	var discarded []string
	deadline := time.Now().Add(timeout)

	for {
		if msg, ok := l.Recv(); ok {
			if strings.Contains(msg, expected) {
				return true, discarded
			}
			discarded = append(discarded, msg)
			if time.Now().Before(deadline) {
				continue
			}
			return false, discarded
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, discarded
		}
		time.Sleep(min(confirmPollTick, remaining))
	}
}
