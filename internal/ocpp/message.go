package ocpp

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType is the first element of every OCPP-J message array.
type MessageType int

const (
	// MessageTypeCall is a request: [2, "uniqueId", "Action", {payload}]
	MessageTypeCall MessageType = 2

	// MessageTypeCallResult is a response: [3, "uniqueId", {payload}]
	MessageTypeCallResult MessageType = 3

	// MessageTypeCallError is an error response:
	// [4, "uniqueId", "ErrorCode", "ErrorDescription", {errorDetails}]
	MessageTypeCallError MessageType = 4
)

// Call represents an OCPP CALL message.
type Call struct {
	UniqueID string
	Action   string
	Payload  json.RawMessage
}

// CallResult represents an OCPP CALLRESULT message.
type CallResult struct {
	UniqueID string
	Payload  json.RawMessage
}

// CallError represents an OCPP CALLERROR message.
type CallError struct {
	UniqueID     string
	Code         ErrorCode
	Description  string
	ErrorDetails json.RawMessage
}

// NewCall builds a CALL with a fresh unique id and the marshaled payload.
func NewCall(action string, payload interface{}) (*Call, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", action, err)
	}

	return &Call{
		UniqueID: uuid.New().String(),
		Action:   action,
		Payload:  data,
	}, nil
}

// NewCallResult builds a CALLRESULT answering the given unique id.
func NewCallResult(uniqueID string, payload interface{}) (*CallResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal call result payload: %w", err)
	}

	return &CallResult{
		UniqueID: uniqueID,
		Payload:  data,
	}, nil
}

// NewCallError builds a CALLERROR answering the given unique id.
func NewCallError(uniqueID string, code ErrorCode, description string) *CallError {
	return &CallError{
		UniqueID:     uniqueID,
		Code:         code,
		Description:  description,
		ErrorDetails: json.RawMessage("{}"),
	}
}

// MarshalJSON encodes the Call as an OCPP-J array.
func (c *Call) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeCall, c.UniqueID, c.Action, c.Payload})
}

// UnmarshalJSON decodes an OCPP-J CALL array.
func (c *Call) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}

	if len(arr) != 4 {
		return fmt.Errorf("call must have 4 elements, got %d", len(arr))
	}

	var msgType MessageType
	if err := json.Unmarshal(arr[0], &msgType); err != nil {
		return err
	}
	if msgType != MessageTypeCall {
		return fmt.Errorf("expected message type %d, got %d", MessageTypeCall, msgType)
	}

	if err := json.Unmarshal(arr[1], &c.UniqueID); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[2], &c.Action); err != nil {
		return err
	}
	c.Payload = arr[3]

	return nil
}

// MarshalJSON encodes the CallResult as an OCPP-J array.
func (cr *CallResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeCallResult, cr.UniqueID, cr.Payload})
}

// UnmarshalJSON decodes an OCPP-J CALLRESULT array.
func (cr *CallResult) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}

	if len(arr) != 3 {
		return fmt.Errorf("call result must have 3 elements, got %d", len(arr))
	}

	var msgType MessageType
	if err := json.Unmarshal(arr[0], &msgType); err != nil {
		return err
	}
	if msgType != MessageTypeCallResult {
		return fmt.Errorf("expected message type %d, got %d", MessageTypeCallResult, msgType)
	}

	if err := json.Unmarshal(arr[1], &cr.UniqueID); err != nil {
		return err
	}
	cr.Payload = arr[2]

	return nil
}

// MarshalJSON encodes the CallError as an OCPP-J array.
func (ce *CallError) MarshalJSON() ([]byte, error) {
	details := ce.ErrorDetails
	if details == nil {
		details = json.RawMessage("{}")
	}
	return json.Marshal([]interface{}{MessageTypeCallError, ce.UniqueID, ce.Code, ce.Description, details})
}

// UnmarshalJSON decodes an OCPP-J CALLERROR array.
func (ce *CallError) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}

	if len(arr) != 5 {
		return fmt.Errorf("call error must have 5 elements, got %d", len(arr))
	}

	var msgType MessageType
	if err := json.Unmarshal(arr[0], &msgType); err != nil {
		return err
	}
	if msgType != MessageTypeCallError {
		return fmt.Errorf("expected message type %d, got %d", MessageTypeCallError, msgType)
	}

	if err := json.Unmarshal(arr[1], &ce.UniqueID); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[2], &ce.Code); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[3], &ce.Description); err != nil {
		return err
	}
	ce.ErrorDetails = arr[4]

	return nil
}

// Parse decodes a raw OCPP-J message into *Call, *CallResult or *CallError.
func Parse(data []byte) (interface{}, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("invalid message frame: %w", err)
	}

	if len(arr) < 3 {
		return nil, fmt.Errorf("message frame too short: %d elements", len(arr))
	}

	var msgType MessageType
	if err := json.Unmarshal(arr[0], &msgType); err != nil {
		return nil, fmt.Errorf("invalid message type: %w", err)
	}

	switch msgType {
	case MessageTypeCall:
		var call Call
		if err := json.Unmarshal(data, &call); err != nil {
			return nil, err
		}
		return &call, nil

	case MessageTypeCallResult:
		var result CallResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, err
		}
		return &result, nil

	case MessageTypeCallError:
		var callErr CallError
		if err := json.Unmarshal(data, &callErr); err != nil {
			return nil, err
		}
		return &callErr, nil

	default:
		return nil, fmt.Errorf("unknown message type: %d", msgType)
	}
}

// MessageID extracts the unique id from a raw message without a full decode.
func MessageID(data []byte) (string, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return "", fmt.Errorf("invalid message frame: %w", err)
	}

	if len(arr) < 2 {
		return "", fmt.Errorf("message frame too short")
	}

	var id string
	if err := json.Unmarshal(arr[1], &id); err != nil {
		return "", fmt.Errorf("invalid message id: %w", err)
	}

	return id, nil
}
