// Package clock defines the time seam used by the lock and heartbeat
// protocols so their deadline arithmetic can be driven deterministically
// in tests.
package clock

import "time"

// Clock abstracts time.Now so tests can control the passage of time.
type Clock interface {
	Now() time.Time
}
