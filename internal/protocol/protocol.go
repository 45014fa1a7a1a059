// Package protocol defines the JSON envelope and the fixed message
// vocabulary spoken with the host application, plus the correlator that
// stamps outgoing envelopes with unique request IDs.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	// APIName and APIVersion are fixed by the host API contract and are
	// carried on every envelope in both directions.
	APIName    = "VTubeStudioPublicAPI"
	APIVersion = "1.0"
)

// KeepCurrent is the sentinel for item move properties that should keep
// their current value. The host ignores size/order values at or below it.
const KeepCurrent float64 = -1000

// MessageType identifies the kind of API message inside an envelope.
type MessageType string

const (
	MsgAPIState                  MessageType = "APIStateRequest"
	MsgAPIStateResponse          MessageType = "APIStateResponse"
	MsgAuthToken                 MessageType = "AuthenticationTokenRequest"
	MsgAuthTokenResponse         MessageType = "AuthenticationTokenResponse"
	MsgAuthentication            MessageType = "AuthenticationRequest"
	MsgAuthenticationResponse    MessageType = "AuthenticationResponse"
	MsgEventSubscription         MessageType = "EventSubscriptionRequest"
	MsgEventSubscriptionResponse MessageType = "EventSubscriptionResponse"
	MsgModelMovedEvent           MessageType = "ModelMovedEvent"
	MsgItemLoad                  MessageType = "ItemLoadRequest"
	MsgItemLoadResponse          MessageType = "ItemLoadResponse"
	MsgItemMove                  MessageType = "ItemMoveRequest"
	MsgItemMoveResponse          MessageType = "ItemMoveResponse"
	MsgItemUnload                MessageType = "ItemUnloadRequest"
	MsgItemUnloadResponse        MessageType = "ItemUnloadResponse"
	MsgAPIError                  MessageType = "APIError"
)

// ErrorCode is the host's numeric error identifier inside an APIError.
type ErrorCode int

// ErrItemInstanceNotFound is reported by the host for a move targeting an
// item instance it no longer knows. It is expected noise during teardown
// races and is suppressed by the session.
const ErrItemInstanceNotFound ErrorCode = 50

// Envelope is the fixed-shape wrapper around every protocol message.
type Envelope struct {
	APIName     string          `json:"apiName"`
	APIVersion  string          `json:"apiVersion"`
	RequestID   string          `json:"requestID"`
	MessageType MessageType     `json:"messageType"`
	Data        json.RawMessage `json:"data"`
}

var ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

// Decode parses a raw frame into an Envelope. An envelope without a
// message type is rejected; callers drop rejected frames without touching
// session state.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.MessageType == "" {
		return Envelope{}, fmt.Errorf("%w: missing messageType", ErrMalformedEnvelope)
	}
	return env, nil
}

// Correlator stamps outgoing envelopes with monotonically increasing
// request IDs. The counter spans the whole process lifetime and is never
// reset on reconnect, so IDs stay unique across connections sharing one
// log stream. Responses are still dispatched by message type; the IDs
// exist to satisfy the wire contract.
type Correlator struct {
	seq atomic.Uint64
}

// NextID returns the next request ID, formatted as "req_<n>".
func (c *Correlator) NextID() string {
	return fmt.Sprintf("req_%d", c.seq.Add(1))
}

// Build assembles a complete outgoing envelope around the given payload.
// A nil payload still produces a data member, as an empty object, so every
// request shares the same fixed shape on the wire.
func (c *Correlator) Build(mt MessageType, data any) (Envelope, error) {
	env := Envelope{
		APIName:     APIName,
		APIVersion:  APIVersion,
		RequestID:   c.NextID(),
		MessageType: mt,
	}
	if data == nil {
		env.Data = json.RawMessage("{}")
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s data: %w", mt, err)
	}
	env.Data = raw
	return env, nil
}

// --- Payloads ---

// StatePayload is the APIStateResponse data.
type StatePayload struct {
	Active                      bool   `json:"active"`
	Version                     string `json:"vTubeStudioVersion"`
	CurrentSessionAuthenticated bool   `json:"currentSessionAuthenticated"`
}

// TokenRequestPayload asks the host to issue a plugin token. The host
// typically pops a confirmation dialog at the user before answering.
type TokenRequestPayload struct {
	PluginName      string `json:"pluginName"`
	PluginDeveloper string `json:"pluginDeveloper"`
}

// TokenResponsePayload carries the issued token.
type TokenResponsePayload struct {
	AuthenticationToken string `json:"authenticationToken"`
}

// AuthRequestPayload authenticates the current session with a token.
type AuthRequestPayload struct {
	PluginName          string `json:"pluginName"`
	PluginDeveloper     string `json:"pluginDeveloper"`
	AuthenticationToken string `json:"authenticationToken"`
}

// AuthResponsePayload reports whether authentication was accepted.
type AuthResponsePayload struct {
	Authenticated bool   `json:"authenticated"`
	Reason        string `json:"reason"`
}

// EventSubscriptionPayload subscribes to (or unsubscribes from) one host
// event stream.
type EventSubscriptionPayload struct {
	EventName string `json:"eventName"`
	Subscribe bool   `json:"subscribe"`
}

// ModelPosition is the model's pose in host scene coordinates.
type ModelPosition struct {
	PositionX float64 `json:"positionX"`
	PositionY float64 `json:"positionY"`
	Rotation  float64 `json:"rotation"`
	Size      float64 `json:"size"`
}

// ModelMovedPayload is the ModelMovedEvent data.
type ModelMovedPayload struct {
	ModelID       string        `json:"modelID"`
	ModelPosition ModelPosition `json:"modelPosition"`
}

// ItemLoadPayload spawns an item into the scene from a file the host can
// read out of its items directory.
type ItemLoadPayload struct {
	FileName  string  `json:"fileName"`
	PositionX float64 `json:"positionX"`
	PositionY float64 `json:"positionY"`
	Size      float64 `json:"size"`
	Order     int     `json:"order"`
	FadeTime  float64 `json:"fadeTime"`
}

// ItemLoadResponsePayload confirms a spawn and carries the instance
// handle all later item commands refer to.
type ItemLoadResponsePayload struct {
	InstanceID string `json:"instanceID"`
	FileName   string `json:"fileName"`
}

// ItemMove describes the target pose for one item instance. Size uses
// KeepCurrent so repeated moves never fight the loaded size.
type ItemMove struct {
	ItemInstanceID string  `json:"itemInstanceID"`
	TimeInSeconds  float64 `json:"timeInSeconds"`
	FadeMode       string  `json:"fadeMode"`
	PositionX      float64 `json:"positionX"`
	PositionY      float64 `json:"positionY"`
	Rotation       float64 `json:"rotation"`
	Size           float64 `json:"size"`
	Order          int     `json:"order"`
}

// ItemMovePayload is the ItemMoveRequest data.
type ItemMovePayload struct {
	ItemsToMove []ItemMove `json:"itemsToMove"`
}

// ItemUnloadPayload removes items from the scene. The session only ever
// unloads what it loaded itself.
type ItemUnloadPayload struct {
	UnloadAllLoadedByThisPlugin bool `json:"unloadAllLoadedByThisPlugin"`
}

// APIErrorPayload is the host's generic error report.
type APIErrorPayload struct {
	ErrorID ErrorCode `json:"errorID"`
	Message string    `json:"message"`
}
