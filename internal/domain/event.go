package domain

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type wireEvent struct {
	EventID        EventID                      `json:"event_id"`
	RoomID         RoomID                       `json:"room_id"`
	Sender         UserID                       `json:"sender"`
	Origin         ServerName                   `json:"origin"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Type           string                       `json:"type"`
	StateKey       *string                      `json:"state_key"`
	Content        map[string]any               `json:"content"`
	Redacts        EventID                      `json:"redacts"`
	AuthEvents     json.RawMessage              `json:"auth_events"`
	PrevEvents     json.RawMessage              `json:"prev_events"`
	Depth          int64                        `json:"depth"`
	Hashes         map[string]string            `json:"hashes"`
	Signatures     map[string]map[string]string `json:"signatures"`
}

// ParseEvent decodes a received event object. The original bytes are retained
// in Raw. Reference lists accept both the pair form [[id, hashes], ...] and
// the v3+ plain-string form [id, ...].
func ParseEvent(raw []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(err, "parse event")
	}
	auth, err := parseRefs(w.AuthEvents)
	if err != nil {
		return nil, errors.Wrap(err, "parse auth_events")
	}
	prev, err := parseRefs(w.PrevEvents)
	if err != nil {
		return nil, errors.Wrap(err, "parse prev_events")
	}
	return &Event{
		EventID:        w.EventID,
		RoomID:         w.RoomID,
		Sender:         w.Sender,
		Origin:         w.Origin,
		OriginServerTS: w.OriginServerTS,
		Type:           w.Type,
		StateKey:       w.StateKey,
		Content:        w.Content,
		Redacts:        w.Redacts,
		AuthEvents:     auth,
		PrevEvents:     prev,
		Depth:          w.Depth,
		Hashes:         w.Hashes,
		Signatures:     w.Signatures,
		Raw:            append([]byte(nil), raw...),
	}, nil
}

func parseRefs(raw json.RawMessage) ([]EventRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]EventRef, 0, len(items))
	for _, item := range items {
		var id EventID
		if err := json.Unmarshal(item, &id); err == nil {
			out = append(out, EventRef{EventID: id})
			continue
		}
		var pair []json.RawMessage
		if err := json.Unmarshal(item, &pair); err != nil {
			return nil, err
		}
		if len(pair) == 0 {
			return nil, errors.New("empty reference pair")
		}
		ref := EventRef{}
		if err := json.Unmarshal(pair[0], &ref.EventID); err != nil {
			return nil, err
		}
		if len(pair) > 1 {
			if err := json.Unmarshal(pair[1], &ref.Hashes); err != nil {
				return nil, err
			}
		}
		out = append(out, ref)
	}
	return out, nil
}
