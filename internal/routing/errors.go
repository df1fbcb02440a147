package routing

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrStateUnavailable = errors.New("recipient state unavailable")
)

// RecipientError reports a per-recipient delivery failure. Other
// recipients of the same message are unaffected.
type RecipientError struct {
	RecipientID string
	Tier        Tier
	Err         error
}

func (e RecipientError) Error() string {
	return fmt.Sprintf("recipient %s (%s): %v", e.RecipientID, e.Tier, e.Err)
}

func (e RecipientError) Unwrap() error { return e.Err }

func (e RecipientError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		RecipientID string `json:"recipientId"`
		Tier        Tier   `json:"tier"`
		Error       string `json:"error"`
	}{e.RecipientID, e.Tier, msg})
}
