package types

import "time"

// MessageType is the coarse content class visible to the relay.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// DeliveryState tracks the local view of a message's submission.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// AttachmentRef points at media uploaded out-of-band. It travels inside the
// sealed body; the referenced bytes themselves are not end-to-end encrypted.
type AttachmentRef struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// MessageBody is the decrypted content of a message: one of TextBody,
// ImageBody or FileBody.
type MessageBody interface {
	Kind() MessageType
	isMessageBody()
}

// TextBody is a plain text message.
type TextBody struct {
	Text string
}

// ImageBody is an image attachment with an optional caption.
type ImageBody struct {
	Caption string
	Ref     AttachmentRef
}

// FileBody is a generic file attachment with an optional caption.
type FileBody struct {
	Caption string
	Ref     AttachmentRef
}

func (TextBody) Kind() MessageType  { return MessageText }
func (ImageBody) Kind() MessageType { return MessageImage }
func (FileBody) Kind() MessageType  { return MessageFile }

func (TextBody) isMessageBody()  {}
func (ImageBody) isMessageBody() {}
func (FileBody) isMessageBody()  {}

// Message is the client-side projection of a relay row. Body is derived
// locally and is never sent anywhere.
type Message struct {
	ID             MessageID
	ConversationID ConversationID
	SenderID       UserID
	RecipientID    UserID
	Type           MessageType
	CreatedAt      time.Time
	EditedAt       *time.Time
	Deleted        bool
	Body           MessageBody
	Undecryptable  bool
	Delivery       DeliveryState
	Revision       int64
}

// Confirmed reports whether the row has been acknowledged by the relay.
func (m Message) Confirmed() bool { return m.Delivery == DeliverySent }
