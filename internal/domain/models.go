package domain

import "time"

// MessageType classifies message content.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageVoice  MessageType = "voice"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// MessageStatus tracks the delivery lifecycle of an outbound message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Sender identifies the author of a message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Attachment is a file or media object attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single chat message. ID is a client-generated temporary id
// until the server assigns a permanent one; ClientID carries the temporary
// id back on server confirmations so the two can be matched up.
type Message struct {
	ID             string              `json:"id"`
	ClientID       string              `json:"clientId,omitempty"`
	ConversationID string              `json:"conversationId"`
	Content        string              `json:"content"`
	Type           MessageType         `json:"type"`
	Sender         Sender              `json:"sender"`
	Timestamp      time.Time           `json:"timestamp"`
	Status         MessageStatus       `json:"status"`
	Attachments    []Attachment        `json:"attachments,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
	IsEdited       bool                `json:"isEdited,omitempty"`
	ReadBy         []string            `json:"readBy,omitempty"`
}

// ConversationType distinguishes direct, group and bot conversations.
type ConversationType string

const (
	ConversationOneToOne ConversationType = "one_to_one"
	ConversationGroup    ConversationType = "group"
	ConversationChatbot  ConversationType = "chatbot"
)

// Conversation is the client's view of a chat thread.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []Sender         `json:"participants"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	TypingUsers  []string         `json:"typingUsers,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// QueuePayload is the sendable part of a queued message.
type QueuePayload struct {
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	Type           MessageType       `json:"type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// QueuedMessage is an outbound message awaiting delivery. It is created when
// a send is attempted while offline or fails, and removed on confirmed send
// or after exceeding the retry budget (moved to the permanent-failure list,
// never silently dropped).
type QueuedMessage struct {
	ID         string       `json:"id"`
	Payload    QueuePayload `json:"payload"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	RetryCount int          `json:"retryCount"`
	FailedAt   *time.Time   `json:"failedAt,omitempty"`
	LastError  string       `json:"lastError,omitempty"`
}

// TypingIndicator records that a user is typing in a conversation until
// ExpiresAt, unless refreshed or explicitly stopped earlier.
type TypingIndicator struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// ReadReceipt marks a message as read by a user.
type ReadReceipt struct {
	UserID         string    `json:"userId"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}
