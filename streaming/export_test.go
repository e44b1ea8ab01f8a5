package streaming

// WaitEstimates blocks until every pending payload size estimate is recorded.
func (s *Stream) WaitEstimates() { s.estimates.Wait() }
