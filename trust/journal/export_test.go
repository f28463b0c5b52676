package journal

import "time"

// SetClockForTest replaces the journal clock.
func SetClockForTest(jn *Journal, now func() time.Time) {
	jn.now = now
}
