// ABOUTME: Bus message envelope shared by the websocket wire format and the internal event bus
// ABOUTME: Defines the {type, data, context} shape, event type constants, and context helpers

package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event types carried on the internal bus.
const (
	TypeSpeak              = "speak"
	TypeUtterance          = "utterance-recognized"
	TypeIntentFailure      = "intent_failure"
	TypeConverseActivate   = "converse.activate"
	TypeConverseDeactivate = "converse.deactivate"

	// Outbound ask types sent to automation clients.
	TypeAsk      = "ask"
	TypeConverse = "converse"

	TypeConnect           = "automation.connect"
	TypeDisconnect        = "automation.disconnect"
	TypeConnectionError   = "automation.connection.error"
	TypeSend              = "automation.send"
	TypeSendError         = "automation.send.error"
	TypeAskTimeout        = "automation.timeout"
	TypeHandlerRegister   = "automation.handler.register"
	TypeHandlerUnregister = "automation.handler.unregister"
	TypePing              = "automation.ping"

	TypeFallbackRegister  = "fallback.register"
	TypeFallbackRequest   = "fallback.request"
	TypeFallbackResponse  = "fallback.response"
	TypeConverseRequest   = "converse.request"
	TypeConverseResponse  = "converse.response"
	TypeConverseKeepalive = "converse.keepalive"
)

// Context keys stamped on messages for provenance and addressing.
const (
	CtxSource      = "source"
	CtxPlatform    = "platform"
	CtxIdent       = "ident"
	CtxDestinatary = "destinatary"
	CtxClientName  = "client_name"
	CtxRequestID   = "request_id"
)

const (
	// Platform tags every message that entered through an automation client.
	Platform = "external-automation"

	// FallbackWaiter is the destinatary of answers that resolve an ask cycle.
	FallbackWaiter = "fallback-waiter"
)

// ErrEmptyType is returned when decoding a frame without a type.
var ErrEmptyType = errors.New("message type is empty")

// Message is the {type, data, context} envelope used on the wire and on the bus.
type Message struct {
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
	Context map[string]any `json:"context"`
}

// New builds a message, replacing nil maps with empty ones.
func New(msgType string, data, context map[string]any) Message {
	if data == nil {
		data = map[string]any{}
	}
	if context == nil {
		context = map[string]any{}
	}
	return Message{Type: msgType, Data: data, Context: context}
}

// Decode parses a wire frame. Missing data or context decode as empty maps.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrEmptyType
	}
	return New(msg.Type, msg.Data, msg.Context), nil
}

// Encode serializes the message, writing nil maps as {}.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(New(m.Type, m.Data, m.Context))
}

// Clone returns a copy whose top-level maps can be mutated independently.
func (m Message) Clone() Message {
	return New(m.Type, copyMap(m.Data), copyMap(m.Context))
}

// Reply builds a new message of msgType that carries a copy of m's context.
func (m Message) Reply(msgType string, data map[string]any) Message {
	return New(msgType, data, copyMap(m.Context))
}

// ContextString returns a context value as a string, or "" if absent or not a string.
func (m Message) ContextString(key string) string {
	s, _ := m.Context[key].(string)
	return s
}

// DataString returns a data value as a string, or "" if absent or not a string.
func (m Message) DataString(key string) string {
	s, _ := m.Data[key].(string)
	return s
}

// SenderName returns the display name of the client that sent an inbound
// message, recovered from the ident and source stamps.
func (m Message) SenderName() string {
	ident, source := m.ContextString(CtxIdent), m.ContextString(CtxSource)
	if ident == "" || source == "" {
		return ""
	}
	name, ok := strings.CutSuffix(ident, ":"+source)
	if !ok {
		return ""
	}
	return name
}

// DataBool returns a data value as a bool, false if absent.
func (m Message) DataBool(key string) bool {
	b, _ := m.Data[key].(bool)
	return b
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
