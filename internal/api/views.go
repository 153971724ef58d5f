package api

import "github.com/matheus3301/wpphub/internal/store"

type accountView struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	Label       string              `json:"label,omitempty"`
	DisplayName string              `json:"display_name,omitempty"`
	Phone       string              `json:"phone,omitempty"`
	Status      store.AccountStatus `json:"status"`
	QRCode      *string             `json:"qr_code"`
	LastSeenAt  int64               `json:"last_seen_at,omitempty"`
	LastSyncAt  int64               `json:"last_sync_at,omitempty"`
	CreatedAt   int64               `json:"created_at"`
	UpdatedAt   int64               `json:"updated_at"`
}

func newAccountView(a *store.Account) accountView {
	v := accountView{
		ID:          a.ID,
		UserID:      a.UserID,
		Label:       a.Label,
		DisplayName: a.DisplayName,
		Phone:       a.Phone,
		Status:      a.Status,
		LastSeenAt:  a.LastSeenAt,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
	if a.QRCode != "" {
		v.QRCode = &a.QRCode
	}
	return v
}

type conversationView struct {
	ID             string                   `json:"id"`
	AccountID      string                   `json:"account_id"`
	ContactNumber  string                   `json:"contact_number"`
	ContactName    string                   `json:"contact_name"`
	ProfilePicURL  string                   `json:"profile_pic_url,omitempty"`
	IsGroup        bool                     `json:"is_group"`
	LastMessageAt  int64                    `json:"last_message_at"`
	UnreadCount    int                      `json:"unread_count"`
	Status         store.ConversationStatus `json:"status"`
	AssignedUserID string                   `json:"assigned_user_id,omitempty"`
}

func newConversationView(c store.Conversation) conversationView {
	return conversationView{
		ID:             c.ID,
		AccountID:      c.AccountID,
		ContactNumber:  c.ContactNumber,
		ContactName:    c.ContactName,
		ProfilePicURL:  c.ProfilePicURL,
		IsGroup:        c.IsGroup,
		LastMessageAt:  c.LastMessageAt,
		UnreadCount:    c.UnreadCount,
		Status:         c.Status,
		AssignedUserID: c.AssignedUserID,
	}
}

type messageView struct {
	ID                string               `json:"id"`
	ConversationID    string               `json:"conversation_id"`
	ProviderMessageID string               `json:"provider_message_id"`
	Direction         store.Direction      `json:"direction"`
	Type              store.MessageType    `json:"type"`
	Content           string               `json:"content"`
	MediaRef          string               `json:"media_ref,omitempty"`
	Status            store.DeliveryStatus `json:"status"`
	From              string               `json:"from"`
	To                string               `json:"to"`
	Timestamp         int64                `json:"timestamp"`
}

func newMessageView(m store.Message) messageView {
	return messageView{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		ProviderMessageID: m.ProviderID,
		Direction:         m.Direction,
		Type:              m.Type,
		Content:           m.Content,
		MediaRef:          m.MediaRef,
		Status:            m.Status,
		From:              m.From,
		To:                m.To,
		Timestamp:         m.Timestamp,
	}
}

type outboxView struct {
	ID                string `json:"id"`
	AccountID         string `json:"account_id"`
	To                string `json:"to"`
	Body              string `json:"body"`
	Status            string `json:"status"`
	Error             string `json:"error,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	CreatedAt         int64  `json:"created_at"`
}

func newOutboxView(e *store.OutboxEntry) outboxView {
	return outboxView{
		ID:                e.ID,
		AccountID:         e.AccountID,
		To:                e.To,
		Body:              e.Body,
		Status:            e.Status,
		Error:             e.ErrorMessage,
		ProviderMessageID: e.ProviderID,
		CreatedAt:         e.CreatedAt,
	}
}
