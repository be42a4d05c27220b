// ABOUTME: Conversation and message entity types persisted as JSON documents.
// ABOUTME: Conversations carry the per-row ACL; messages defer to their parent.

package conversation

import (
	"time"

	"github.com/fableforge/rift/internal/access"
)

// Conversation is one chat thread. The owner is granted entry-level Admin at
// creation time.
type Conversation struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"ownerId"`
	Title     string      `json:"title"`
	Model     string      `json:"model,omitempty"`
	ACL       access.List `json:"acl,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (c Conversation) EntityID() string          { return c.ID }
func (c Conversation) EntityAccess() access.List { return c.ACL }

func (c Conversation) WithEntityAccess(l access.List) Conversation {
	c.ACL = l
	return c
}

// Message is one persisted turn. Messages carry no ACL of their own; access
// is evaluated against the parent conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (m Message) EntityID() string { return m.ID }
