package buscli

import "time"

// SetAfter replaces the timer used by Sleep.
func (s *Service) SetAfter(after func(time.Duration) <-chan time.Time) {
	s.after = after
}
