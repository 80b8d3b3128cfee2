package domain

import (
	interfaces "sealdm/internal/domain/interfaces"
	types "sealdm/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID              = types.UserID
	ConversationID      = types.ConversationID
	MessageID           = types.MessageID
	Fingerprint         = types.Fingerprint
	X25519Public        = types.X25519Public
	X25519Private       = types.X25519Private
	KeyPair             = types.KeyPair
	Envelope            = types.Envelope
	EnvelopeRow         = types.EnvelopeRow
	EditRequest         = types.EditRequest
	MessageType         = types.MessageType
	DeliveryState       = types.DeliveryState
	AttachmentRef       = types.AttachmentRef
	MessageBody         = types.MessageBody
	TextBody            = types.TextBody
	ImageBody           = types.ImageBody
	FileBody            = types.FileBody
	Message             = types.Message
	Conversation        = types.Conversation
	ConversationSummary = types.ConversationSummary
	Reaction            = types.Reaction
	ReactionChange      = types.ReactionChange
	ReactionSummary     = types.ReactionSummary
	ChangeKind          = types.ChangeKind
	ChangeEvent         = types.ChangeEvent
	TypingEvent         = types.TypingEvent
)

// Constants re-exported from the types subpackage.
const (
	MessageText  = types.MessageText
	MessageImage = types.MessageImage
	MessageFile  = types.MessageFile

	DeliveryPending = types.DeliveryPending
	DeliverySent    = types.DeliverySent
	DeliveryFailed  = types.DeliveryFailed

	ChangeInsert   = types.ChangeInsert
	ChangeUpdate   = types.ChangeUpdate
	ChangeReaction = types.ChangeReaction
)

// OrderedPair returns a and b sorted; see types.OrderedPair.
func OrderedPair(a, b UserID) [2]UserID { return types.OrderedPair(a, b) }

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	RelayClient        = interfaces.RelayClient
	Subscription       = interfaces.Subscription
	TypingSubscription = interfaces.TypingSubscription
	KeyStore           = interfaces.KeyStore
	StateStore         = interfaces.StateStore
	JournalEntry       = interfaces.JournalEntry
	KeyVault           = interfaces.KeyVault
	PeerKeys           = interfaces.PeerKeys
)
