package testutil

import "github.com/stocktide/stocktide/internal/common"

// StubSession is a session provider with a fixed owner and token. An empty
// owner behaves as not authenticated.
type StubSession struct {
	Owner       string
	BearerToken string
}

func (s *StubSession) OwnerID() (string, error) {
	if s.Owner == "" {
		return "", common.ErrNotAuthenticated
	}
	return s.Owner, nil
}

func (s *StubSession) Token() (string, error) {
	if s.Owner == "" {
		return "", common.ErrNotAuthenticated
	}
	return s.BearerToken, nil
}
