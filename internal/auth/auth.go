package auth

import (
	"context"

	"github.com/pkg/errors"

	"construct/internal/domain"
)

// Authorizer decides whether an event is allowed into the room.
type Authorizer interface {
	Authorize(ctx context.Context, ev *domain.Event) error
}

// EventSource resolves referenced events during authorization.
type EventSource interface {
	HasEvent(ctx context.Context, id domain.EventID) (bool, error)
}

// Rules is the default authorizer. It applies the structural subset of the
// room authorization rules that can be decided without resolved room state:
// create events stand alone, everything else must reference an auth chain
// whose events we hold.
type Rules struct {
	events EventSource
}

func NewRules(events EventSource) *Rules {
	return &Rules{events: events}
}

func (r *Rules) Authorize(ctx context.Context, ev *domain.Event) error {
	if ev.Type == "m.room.create" {
		if len(ev.AuthEvents) != 0 {
			return errors.New("auth: create event cannot reference auth events")
		}
		if len(ev.PrevEvents) != 0 {
			return errors.New("auth: create event cannot reference prev events")
		}
		if ev.Sender.Host() != ev.RoomID.Host() {
			return errors.New("auth: create sender must match room origin")
		}
		return nil
	}
	if len(ev.AuthEvents) == 0 {
		return errors.New("auth: missing auth events")
	}
	for _, ref := range ev.AuthEvents {
		ok, err := r.events.HasEvent(ctx, ref.EventID)
		if err != nil {
			return errors.Wrapf(err, "auth: resolve %s", ref.EventID)
		}
		if !ok {
			return errors.Errorf("auth: unknown auth event %s", ref.EventID)
		}
	}
	if ev.Type == "m.room.member" {
		if ev.StateKey == nil || *ev.StateKey == "" {
			return errors.New("auth: member event without state key")
		}
		m, _ := ev.Content["membership"].(string)
		switch m {
		case "join", "leave", "invite", "ban", "knock":
		default:
			return errors.Errorf("auth: unknown membership %q", m)
		}
		if m == "join" && domain.UserID(*ev.StateKey) != ev.Sender {
			return errors.New("auth: join must be sent by the joining user")
		}
	}
	return nil
}
