package wa

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ParseLiveMessage normalizes a live whatsmeow message event. resolve maps
// hidden-user (LID) JIDs to phone JIDs and may be nil.
func ParseLiveMessage(evt *events.Message, resolve func(types.JID) types.JID) Message {
	chat, sender := evt.Info.Chat, evt.Info.Sender
	if resolve != nil {
		chat, sender = resolve(chat), resolve(sender)
	}
	return Message{
		ID:        evt.Info.ID,
		Chat:      CanonicalJID(chat),
		Sender:    CanonicalJID(sender),
		PushName:  evt.Info.PushName,
		FromMe:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup || chat.Server == types.GroupServer,
		Type:      detectMessageType(evt.Message),
		Body:      extractBody(evt.Message),
		MediaRef:  extractMediaRef(evt.Message),
		Timestamp: evt.Info.Timestamp,
	}
}

// ParseHistoryMessage normalizes one message of a history sync conversation.
// It returns false for entries without content.
func ParseHistoryMessage(chat string, wmi *waWeb.WebMessageInfo) (Message, bool) {
	if wmi == nil || wmi.GetMessage() == nil || wmi.GetKey().GetID() == "" {
		return Message{}, false
	}
	key := wmi.GetKey()
	msg := wmi.GetMessage()

	sender := key.GetParticipant()
	if sender == "" && !key.GetFromMe() {
		sender = chat
	}
	return Message{
		ID:        key.GetID(),
		Chat:      chat,
		Sender:    sender,
		PushName:  wmi.GetPushName(),
		FromMe:    key.GetFromMe(),
		IsGroup:   IsGroupJID(chat),
		Type:      detectMessageType(msg),
		Body:      extractBody(msg),
		MediaRef:  extractMediaRef(msg),
		Timestamp: time.Unix(int64(wmi.GetMessageTimestamp()), 0),
	}, true
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// extractBody returns the text of a message, falling back to a media caption.
func extractBody(msg *waE2E.Message) string {
	if body := extractTextBody(msg); body != "" {
		return body
	}
	switch {
	case msg == nil:
		return ""
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		if c := msg.GetDocumentMessage().GetCaption(); c != "" {
			return c
		}
		return msg.GetDocumentMessage().GetFileName()
	case msg.GetContactMessage() != nil:
		return msg.GetContactMessage().GetDisplayName()
	case msg.GetLocationMessage() != nil:
		return msg.GetLocationMessage().GetName()
	}
	return ""
}

func extractMediaRef(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetDirectPath()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetDirectPath()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetDirectPath()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetDirectPath()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage().GetDirectPath()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return TypeUnknown
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return TypeText
	case msg.GetImageMessage() != nil:
		return TypeImage
	case msg.GetVideoMessage() != nil:
		return TypeVideo
	case msg.GetAudioMessage() != nil:
		return TypeAudio
	case msg.GetDocumentMessage() != nil:
		return TypeDocument
	case msg.GetStickerMessage() != nil:
		return TypeSticker
	case msg.GetContactMessage() != nil:
		return TypeContact
	case msg.GetLocationMessage() != nil:
		return TypeLocation
	default:
		return TypeUnknown
	}
}
