// Package events defines the normalized stream events delivered to consumers
// of the listener. The set of variants is closed: every value implementing
// Event is one of the types declared in this package.
package events

import (
	"encoding/json"
	"strings"
)

// Type identifies an event variant on the wire.
type Type string

const (
	TypeMessage           Type = "message"
	TypeMessageReply      Type = "message_reply"
	TypeMessageReaction   Type = "message_reaction"
	TypeMessageUnsend     Type = "message_unsend"
	TypeTyping            Type = "typ"
	TypePresence          Type = "presence"
	TypeReadReceipt       Type = "read_receipt"
	TypeThreadNameChange  Type = "thread_name_change"
	TypeParticipantsAdded Type = "participants_added"
	TypeParticipantLeft   Type = "participant_left"
	TypeChangeThreadImage Type = "change_thread_image"
	TypeGroupPoll         Type = "group_poll"
	TypeReady             Type = "ready"
	TypeStopListen        Type = "stop_listen"
	TypeParseError        Type = "parse_error"
)

// AllTypes lists every variant, in declaration order.
var AllTypes = []Type{
	TypeMessage,
	TypeMessageReply,
	TypeMessageReaction,
	TypeMessageUnsend,
	TypeTyping,
	TypePresence,
	TypeReadReceipt,
	TypeThreadNameChange,
	TypeParticipantsAdded,
	TypeParticipantLeft,
	TypeChangeThreadImage,
	TypeGroupPoll,
	TypeReady,
	TypeStopListen,
	TypeParseError,
}

// ParseType returns the Type named by s and whether it is a known variant.
func ParseType(s string) (Type, bool) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Event is implemented by every normalized event variant.
type Event interface {
	EventType() Type
	isEvent()
}

// Attachment is a normalized message attachment.
type Attachment struct {
	Type           string          `json:"type"`
	ID             string          `json:"ID,omitempty"`
	Filename       string          `json:"filename,omitempty"`
	URL            string          `json:"url,omitempty"`
	ThumbnailURL   string          `json:"thumbnailUrl,omitempty"`
	PreviewURL     string          `json:"previewUrl,omitempty"`
	LargePreview   string          `json:"largePreviewUrl,omitempty"`
	Width          int             `json:"width,omitempty"`
	Height         int             `json:"height,omitempty"`
	Duration       int64           `json:"duration,omitempty"`
	FileSize       int64           `json:"fileSize,omitempty"`
	MimeType       string          `json:"mimeType,omitempty"`
	Title          string          `json:"title,omitempty"`
	Description    string          `json:"description,omitempty"`
	Source         string          `json:"source,omitempty"`
	Image          string          `json:"image,omitempty"`
	Playable       bool            `json:"playable,omitempty"`
	StickerID      string          `json:"stickerID,omitempty"`
	PackID         string          `json:"packID,omitempty"`
	Caption        string          `json:"caption,omitempty"`
	Latitude       float64         `json:"latitude,omitempty"`
	Longitude      float64         `json:"longitude,omitempty"`
	Address        string          `json:"address,omitempty"`
	FacebookURL    string          `json:"facebookUrl,omitempty"`
	VideoType      string          `json:"videoType,omitempty"`
	AudioType      string          `json:"audioType,omitempty"`
	IsVoiceMail    bool            `json:"isVoiceMail,omitempty"`
	Subattachments json.RawMessage `json:"subattachments,omitempty"`
	Properties     json.RawMessage `json:"properties,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Message is a new inbound message.
type Message struct {
	ThreadID    string            `json:"threadID"`
	MessageID   string            `json:"messageID"`
	SenderID    string            `json:"senderID"`
	Body        string            `json:"body"`
	Attachments []Attachment      `json:"attachments"`
	Mentions    map[string]string `json:"mentions"`
	Timestamp   int64             `json:"timestamp"`
	IsGroup     bool              `json:"isGroup"`
}

// RepliedMessage is the message a reply points at.
type RepliedMessage struct {
	ThreadID    string            `json:"threadID"`
	MessageID   string            `json:"messageID"`
	SenderID    string            `json:"senderID"`
	Body        string            `json:"body"`
	Attachments []Attachment      `json:"attachments"`
	Mentions    map[string]string `json:"mentions"`
	Timestamp   int64             `json:"timestamp"`
	IsGroup     bool              `json:"isGroup"`
}

// MessageReply is a message sent as a reply to another message. MessageReply
// is nil when the replied-to message could not be materialized.
type MessageReply struct {
	Message
	MessageReply *RepliedMessage `json:"messageReply,omitempty"`
}

// MessageReaction reports a reaction added to or removed from a message.
type MessageReaction struct {
	ThreadID  string `json:"threadID"`
	MessageID string `json:"messageID"`
	Reaction  string `json:"reaction"`
	SenderID  string `json:"senderID"`
	UserID    string `json:"userID"`
}

// MessageUnsend reports a recalled message.
type MessageUnsend struct {
	ThreadID          string `json:"threadID"`
	MessageID         string `json:"messageID"`
	SenderID          string `json:"senderID"`
	DeletionTimestamp int64  `json:"deletionTimestamp"`
	Timestamp         int64  `json:"timestamp"`
}

// Typing reports a typing indicator change.
type Typing struct {
	IsTyping   bool   `json:"isTyping"`
	From       string `json:"from"`
	ThreadID   string `json:"threadID"`
	FromMobile bool   `json:"fromMobile"`
}

// Presence reports a user's last-active state.
type Presence struct {
	UserID    string `json:"userID"`
	Timestamp int64  `json:"timestamp"`
	Statuses  int    `json:"statuses"`
}

// ReadReceipt reports that a participant read a thread.
type ReadReceipt struct {
	Reader   string `json:"reader"`
	Time     int64  `json:"time"`
	ThreadID string `json:"threadID"`
}

// ThreadEvent holds the fields shared by thread-metadata events.
type ThreadEvent struct {
	ThreadID       string   `json:"threadID"`
	Author         string   `json:"author"`
	LogMessageBody string   `json:"logMessageBody,omitempty"`
	ParticipantIDs []string `json:"participantIDs,omitempty"`
	Timestamp      int64    `json:"timestamp,omitempty"`
}

// ThreadNameChange reports a renamed thread.
type ThreadNameChange struct {
	ThreadEvent
	Name string `json:"name"`
}

// Participant identifies a user added to a thread.
type Participant struct {
	UserID   string `json:"userFbId"`
	FullName string `json:"fullName,omitempty"`
}

// ParticipantsAdded reports users added to a group thread.
type ParticipantsAdded struct {
	ThreadEvent
	AddedParticipants []Participant `json:"addedParticipants"`
}

// ParticipantLeft reports a user leaving or being removed from a group thread.
type ParticipantLeft struct {
	ThreadEvent
	LeftParticipantID string `json:"leftParticipantFbId"`
}

// GroupPoll reports a poll created or updated in a group thread.
type GroupPoll struct {
	ThreadEvent
	Data map[string]string `json:"data,omitempty"`
}

// ThreadImage describes a group image.
type ThreadImage struct {
	AttachmentID string `json:"attachmentID,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	URL          string `json:"url,omitempty"`
}

// ChangeThreadImage reports a new group image.
type ChangeThreadImage struct {
	ThreadID  string       `json:"threadID"`
	Snippet   string       `json:"snippet,omitempty"`
	Timestamp int64        `json:"timestamp"`
	Author    string       `json:"author"`
	Image     *ThreadImage `json:"image,omitempty"`
}

// Ready is emitted once after the first queue acknowledgment, when requested.
type Ready struct{}

// StopListen is the terminal event emitted when the connection fails and
// automatic reconnection is disabled.
type StopListen struct {
	Error string `json:"error"`
}

// ParseError carries a delta that could not be normalized. Raw holds the
// original payload for diagnostics.
type ParseError struct {
	Error  string          `json:"error"`
	Detail string          `json:"detail,omitempty"`
	Raw    json.RawMessage `json:"res,omitempty"`
}

func (Message) EventType() Type           { return TypeMessage }
func (MessageReply) EventType() Type      { return TypeMessageReply }
func (MessageReaction) EventType() Type   { return TypeMessageReaction }
func (MessageUnsend) EventType() Type     { return TypeMessageUnsend }
func (Typing) EventType() Type            { return TypeTyping }
func (Presence) EventType() Type          { return TypePresence }
func (ReadReceipt) EventType() Type       { return TypeReadReceipt }
func (ThreadNameChange) EventType() Type  { return TypeThreadNameChange }
func (ParticipantsAdded) EventType() Type { return TypeParticipantsAdded }
func (ParticipantLeft) EventType() Type   { return TypeParticipantLeft }
func (ChangeThreadImage) EventType() Type { return TypeChangeThreadImage }
func (GroupPoll) EventType() Type         { return TypeGroupPoll }
func (Ready) EventType() Type             { return TypeReady }
func (StopListen) EventType() Type        { return TypeStopListen }
func (ParseError) EventType() Type        { return TypeParseError }

func (Message) isEvent()           {}
func (MessageReply) isEvent()      {}
func (MessageReaction) isEvent()   {}
func (MessageUnsend) isEvent()     {}
func (Typing) isEvent()            {}
func (Presence) isEvent()          {}
func (ReadReceipt) isEvent()       {}
func (ThreadNameChange) isEvent()  {}
func (ParticipantsAdded) isEvent() {}
func (ParticipantLeft) isEvent()   {}
func (ChangeThreadImage) isEvent() {}
func (GroupPoll) isEvent()         {}
func (Ready) isEvent()             {}
func (StopListen) isEvent()        {}
func (ParseError) isEvent()        {}

// Marshal encodes e as a JSON object with its variant name in "type".
func Marshal(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	typ, err := json.Marshal(e.EventType())
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

// Author returns the identity that caused e, or "" when the variant has no
// single author. It drives self-authorship suppression.
func Author(e Event) string {
	switch v := e.(type) {
	case Message:
		return v.SenderID
	case MessageReply:
		return v.SenderID
	case ThreadNameChange:
		return v.Author
	case ParticipantsAdded:
		return v.Author
	case ParticipantLeft:
		return v.Author
	case GroupPoll:
		return v.Author
	case ChangeThreadImage:
		return v.Author
	default:
		return ""
	}
}

// FormatID strips the "fbid:" or "id:" style prefixes some payloads carry on
// thread identifiers.
func FormatID(id string) string {
	for _, prefix := range []string{"fbid:", "fbid.", "id:", "id."} {
		if strings.HasPrefix(id, prefix) {
			return id[len(prefix):]
		}
	}
	return id
}
