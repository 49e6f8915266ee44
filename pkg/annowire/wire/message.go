package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type constants for the annotation session protocol.
// These correspond to the "type" field in wire messages.
const (
	// Server to client push types
	TypeSessionInitialized = "session-initialized"
	TypeObjectAdded        = "object-added"
	TypeObjectModified     = "object-modified"
	TypeObjectRemoved      = "object-removed"

	// Client to server request/notification types
	TypeRunSegmentation          = "run-segmentation"
	TypeAddObject                = "add-object"
	TypeModifyObject             = "modify-object"
	TypeDeleteObject             = "delete-object"
	TypeFinalizeObject           = "finalize-object"
	TypeSelectPromptedModel      = "select-prompted-model"
	TypeSelectCompletionModel    = "select-completion-model"
	TypeFocusImage               = "focus-image"
	TypeUnfocusImage             = "unfocus-image"
	TypeSelectRefinementObject   = "select-refinement-object"
	TypeUnselectRefinementObject = "unselect-refinement-object"
	TypeRunCompletion            = "run-completion"
	TypeRunSemantic              = "run-semantic"
	TypeFinishAnnotation         = "finish-annotation"
)

// Message is the JSON envelope used in both directions on an annotation
// session connection. The id is a client-generated token used only for
// request/response correlation; server-initiated push messages may omit
// it, so consumers must not assume every inbound message corresponds to
// an outbound one. Success is a pointer so that push messages (which
// carry no success field) can be told apart from replies.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// IsReply reports whether the message is a correlated reply rather than
// an unsolicited push.
func (m *Message) IsReply() bool {
	return m.Success != nil
}

// Validate performs the basic shape check applied to every inbound
// message. Messages failing validation are dropped by the receiver.
func (m *Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("message has no type")
	}
	return nil
}

// NewMessageID returns a fresh correlation id.
func NewMessageID() string {
	return uuid.NewString()
}

// NewMessage builds an outbound message of the given type, marshaling
// the payload into the data field. A nil payload produces no data field.
func NewMessage(msgType string, payload any) (Message, error) {
	msg := Message{
		ID:        NewMessageID(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Data = data
	}

	return msg, nil
}
