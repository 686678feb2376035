package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// RelayScope addresses a relay message to a slice of the cluster.
type RelayScope string

const (
	ScopeAll     RelayScope = "all"
	ScopeUser    RelayScope = "user"
	ScopeChannel RelayScope = "channel"
)

// RelayMessage wraps an envelope for the cross-node bus. Ephemeral:
// consumed once by each node's listener, never stored.
type RelayMessage struct {
	Scope   RelayScope `json:"scope"`
	Target  string     `json:"target,omitempty"`  // user id or channel name
	Exclude string     `json:"exclude,omitempty"` // user id to skip on delivery
	Origin  string     `json:"origin"`            // publishing node; listeners drop their own echo
	Payload *Envelope  `json:"payload"`
}

func (r *RelayMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "marshal relay message")
	}
	return b, nil
}

func DecodeRelay(raw []byte) (*RelayMessage, error) {
	rm := &RelayMessage{}
	if err := json.Unmarshal(raw, rm); err != nil {
		return nil, errors.Wrap(err, "unmarshal relay message")
	}
	if rm.Payload == nil {
		return nil, errors.New("relay message without payload")
	}
	return rm, nil
}
