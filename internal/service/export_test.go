package service

import "time"

// SetSweeperClock pins the sweeper's clock.
func SetSweeperClock(s *Sweeper, now func() time.Time) {
	s.now = now
}
