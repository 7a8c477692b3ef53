package goal

// LoopStarts reports how many times the threshold loop has been started.
func (s *Scheduler) LoopStarts() int {
	s.loop.mu.Lock()
	defer s.loop.mu.Unlock()
	return s.loop.starts
}
