package ingest

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Evaluator accepts a batch of pushed pdus for evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, pdus []json.RawMessage) error
}

// DecodePush interprets one broker message as either a single event object
// or a transaction-shaped envelope {"pdus": [...]}.
func DecodePush(payload []byte) ([]json.RawMessage, error) {
	var envelope struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.PDUs) > 0 {
		return envelope.PDUs, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, errors.Wrap(err, "ingest: decode push")
	}
	if _, ok := obj["event_id"]; !ok {
		if _, ok := obj["type"]; !ok {
			return nil, errors.New("ingest: payload is neither an event nor a pdu envelope")
		}
	}
	return []json.RawMessage{json.RawMessage(payload)}, nil
}
