package socket

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type Operation string

const (
	OperationPing     Operation = "ping"
	OperationHealth   Operation = "health"
	OperationPush     Operation = "push"
	OperationGetEvent Operation = "get_event"
	OperationRoom     Operation = "room"
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

// Request is one framed message from a local operator or bridge process.
// Exactly one operation body matches the op field.
type Request struct {
	RequestID string        `json:"request_id"`
	AuthToken string        `json:"auth_token,omitempty"`
	Op        Operation     `json:"op"`
	Push      *PushRequest  `json:"push,omitempty"`
	GetEvent  *EventQuery   `json:"get_event,omitempty"`
	Room      *RoomQuery    `json:"room,omitempty"`
}

// PushRequest submits pdus for evaluation exactly as a broker push would.
type PushRequest struct {
	PDUs []json.RawMessage `json:"pdus"`
}

type EventQuery struct {
	EventID string `json:"event_id"`
}

type RoomQuery struct {
	RoomID string `json:"room_id"`
	Limit  int    `json:"limit,omitempty"`
}

type Response struct {
	RequestID    string          `json:"request_id"`
	ErrorCode    int32           `json:"error_code"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Pong         *PongResponse   `json:"pong,omitempty"`
	Push         *PushResponse   `json:"push,omitempty"`
	Event        *EventResponse  `json:"event,omitempty"`
	Room         *RoomResponse   `json:"room,omitempty"`
	Health       *HealthResponse `json:"health,omitempty"`
}

type PongResponse struct {
	UnixTimeNs int64 `json:"unix_time_ns"`
}

type PushResponse struct {
	Accepted int `json:"accepted"`
}

type EventResponse struct {
	Found bool            `json:"found"`
	PDU   json.RawMessage `json:"pdu,omitempty"`
}

type RoomEntry struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Depth   int64  `json:"depth"`
	Seq     uint64 `json:"seq"`
}

type RoomResponse struct {
	Found  bool        `json:"found"`
	Events []RoomEntry `json:"events,omitempty"`
}

type HealthResponse struct {
	Ok      bool   `json:"ok"`
	MaxSeq  uint64 `json:"max_seq"`
	Message string `json:"message,omitempty"`
}

func EncodeRequest(req *Request) ([]byte, error)   { return json.Marshal(req) }
func EncodeResponse(res *Response) ([]byte, error) { return json.Marshal(res) }

func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "socket: decode request")
	}
	return &req, nil
}

func DecodeResponse(payload []byte) (*Response, error) {
	var res Response
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, errors.Wrap(err, "socket: decode response")
	}
	return &res, nil
}

func ValidateRequest(req *Request) error {
	if req == nil {
		return errors.New("nil request")
	}
	switch req.Op {
	case OperationPing, OperationHealth:
		return nil
	case OperationPush:
		if req.Push == nil || len(req.Push.PDUs) == 0 {
			return errors.New("push body with pdus is required")
		}
	case OperationGetEvent:
		if req.GetEvent == nil || req.GetEvent.EventID == "" {
			return errors.New("get_event query with event_id is required")
		}
	case OperationRoom:
		if req.Room == nil || req.Room.RoomID == "" {
			return errors.New("room query with room_id is required")
		}
	case "":
		return errors.New("op is required")
	default:
		return errors.Errorf("unknown op %q", req.Op)
	}
	return nil
}
