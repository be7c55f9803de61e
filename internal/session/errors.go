package session

import (
	"errors"
	"fmt"

	"github.com/mossy-p/meshcall/internal/models"
)

var (
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrMediaUnavailable  = errors.New("media unavailable")
	ErrManagerStopped    = errors.New("session manager stopped")
)

// NegotiationError reports a failed peer-link primitive.
type NegotiationError struct {
	PeerID models.PeerID
	Op     string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s (peer %s): %v", e.Op, e.PeerID, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func negotiationError(peer models.PeerID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &NegotiationError{PeerID: peer, Op: op, Err: err}
}
