package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// MessageType discriminates the three OCPP-J frame kinds. It is the first
// element of every wire message.
type MessageType int

const (
	MessageTypeCall       MessageType = 2
	MessageTypeCallResult MessageType = 3
	MessageTypeCallError  MessageType = 4
)

// Message is implemented by the three frame kinds so a read loop can switch
// on the concrete type after parsing.
type Message interface {
	Type() MessageType
}

// Call is a request frame: [2, uniqueId, action, payload]. Either side of
// the connection may send one; the unique id correlates the eventual reply.
type Call struct {
	UniqueID string
	Action   Action
	Payload  json.RawMessage
}

// NewCall builds a request frame, marshalling payload to JSON. A nil payload
// becomes the empty object the wire format requires.
func NewCall(uniqueID string, action Action, payload any) (*Call, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", action, err)
	}
	return &Call{UniqueID: uniqueID, Action: action, Payload: raw}, nil
}

func (c *Call) Type() MessageType { return MessageTypeCall }

func (c *Call) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{MessageTypeCall, c.UniqueID, c.Action, ensurePayload(c.Payload)})
}

// CallResult is a success reply frame: [3, uniqueId, payload].
type CallResult struct {
	UniqueID string
	Payload  json.RawMessage
}

// NewCallResult builds a success reply for the request identified by
// uniqueID.
func NewCallResult(uniqueID string, payload any) (*CallResult, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &CallResult{UniqueID: uniqueID, Payload: raw}, nil
}

func (r *CallResult) Type() MessageType { return MessageTypeCallResult }

func (r *CallResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{MessageTypeCallResult, r.UniqueID, ensurePayload(r.Payload)})
}

// ParseMessage decodes one inbound frame. Every failure wraps
// ErrMalformedMessage: once framing cannot be trusted the connection is not
// worth keeping, so callers treat it as fatal to the session.
func ParseMessage(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedMessage)
	}

	frame := gjson.ParseBytes(data)
	if !frame.IsArray() {
		return nil, fmt.Errorf("%w: top level is %s, want array", ErrMalformedMessage, frame.Type)
	}
	elems := frame.Array()
	if len(elems) < 3 {
		return nil, fmt.Errorf("%w: %d elements", ErrMalformedMessage, len(elems))
	}
	if elems[0].Type != gjson.Number {
		return nil, fmt.Errorf("%w: message type is not a number", ErrMalformedMessage)
	}
	if elems[1].Type != gjson.String {
		return nil, fmt.Errorf("%w: unique id is not a string", ErrMalformedMessage)
	}
	uniqueID := elems[1].String()

	switch MessageType(elems[0].Int()) {
	case MessageTypeCall:
		if len(elems) != 4 {
			return nil, fmt.Errorf("%w: call frame has %d elements, want 4", ErrMalformedMessage, len(elems))
		}
		if elems[2].Type != gjson.String {
			return nil, fmt.Errorf("%w: action is not a string", ErrMalformedMessage)
		}
		return &Call{
			UniqueID: uniqueID,
			Action:   Action(elems[2].String()),
			Payload:  rawPayload(elems[3]),
		}, nil

	case MessageTypeCallResult:
		if len(elems) != 3 {
			return nil, fmt.Errorf("%w: call result frame has %d elements, want 3", ErrMalformedMessage, len(elems))
		}
		return &CallResult{UniqueID: uniqueID, Payload: rawPayload(elems[2])}, nil

	case MessageTypeCallError:
		if len(elems) != 5 {
			return nil, fmt.Errorf("%w: call error frame has %d elements, want 5", ErrMalformedMessage, len(elems))
		}
		if elems[2].Type != gjson.String || elems[3].Type != gjson.String {
			return nil, fmt.Errorf("%w: error code and description must be strings", ErrMalformedMessage)
		}
		return &CallError{
			UniqueID:    uniqueID,
			Code:        ErrorCode(elems[2].String()),
			Description: elems[3].String(),
			Details:     rawPayload(elems[4]),
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, elems[0].Int())
	}
}

var emptyPayload = json.RawMessage("{}")

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return emptyPayload, nil
	case json.RawMessage:
		if len(p) == 0 {
			return emptyPayload, nil
		}
		return p, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}

func ensurePayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyPayload
	}
	return raw
}

// rawPayload keeps the payload element exactly as it appeared on the wire.
// Payload schemas are the business of the action handlers, not the framing.
func rawPayload(r gjson.Result) json.RawMessage {
	return json.RawMessage(r.Raw)
}
