package pollchat

// sequence orders responses by the time their request was issued rather than
// the time they resolved. It is not goroutine-safe; the owning component
// calls it with its own lock held.
type sequence struct {
	issued  uint64
	applied uint64
}

// issue returns the ticket of a request about to be sent.
func (s *sequence) issue() uint64 {
	s.issued++
	return s.issued
}

// admit reports whether the response for ticket may be applied, and records
// it as the newest applied state if so.
func (s *sequence) admit(ticket uint64) bool {
	if ticket <= s.applied {
		return false
	}
	s.applied = ticket
	return true
}

// invalidate marks every ticket issued so far as stale.
func (s *sequence) invalidate() {
	s.applied = s.issued
}

// last returns the most recently issued ticket.
func (s *sequence) last() uint64 {
	return s.issued
}
