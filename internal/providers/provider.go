package providers

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxTokens = 4096

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
	AttachmentPDF      AttachmentKind = "pdf"
	AttachmentCode     AttachmentKind = "code"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentOther    AttachmentKind = "other"
)

// Attachment is a named blob attached to a turn. Payload may be nil for
// placeholder attachments; those are skipped when building wire requests.
type Attachment struct {
	Name    string         `json:"name"`
	Kind    AttachmentKind `json:"kind"`
	Payload []byte         `json:"payload,omitempty"`
}

// Turn is one message in a conversation. Immutable once created.
type Turn struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func NewTurn(role Role, content string, attachments []Attachment) Turn {
	return Turn{
		ID:          uuid.NewString(),
		Role:        role,
		Content:     content,
		Timestamp:   time.Now().UTC(),
		Attachments: attachments,
	}
}

// ChatRequest is the normalized request every provider client translates into
// its own wire format.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Message      string
	Attachments  []Attachment
	History      []Turn
	MaxTokens    int
}

type ChatResponse struct {
	Text string
}

// Provider is implemented once per wire protocol family.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ListModels(ctx context.Context) ([]string, error)
}
