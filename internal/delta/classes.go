package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Delta classes on the wire.
const (
	ClassNewMessage        = "NewMessage"
	ClassClientPayload     = "ClientPayload"
	ClassReadReceipt       = "ReadReceipt"
	ClassAdminTextMessage  = "AdminTextMessage"
	ClassForcedFetch       = "ForcedFetch"
	ClassThreadName        = "ThreadName"
	ClassParticipantsAdded = "ParticipantsAddedToGroupThread"
	ClassParticipantLeft   = "ParticipantLeftGroupThread"
)

// Delta is one decoded wire delta. The concrete type is one of the structs in
// this file; Unknown covers every class this package does not handle.
type Delta interface {
	Class() string
	Raw() json.RawMessage
}

type rawDelta struct {
	raw json.RawMessage
}

func (r rawDelta) Raw() json.RawMessage { return r.raw }

// NewMessage is an inbound message.
type NewMessage struct {
	rawDelta
	MessageMetadata MessageMetadata   `json:"messageMetadata"`
	Body            string            `json:"body"`
	Attachments     []json.RawMessage `json:"attachments"`
	Data            messageData       `json:"data"`
}

type messageData struct {
	Prng string `json:"prng"`
}

// ClientPayload wraps a nested batch of sub-deltas encoded as a byte array.
type ClientPayload struct {
	rawDelta
	Payload []int `json:"payload"`
}

// ReadReceipt reports that a participant read a thread.
type ReadReceipt struct {
	rawDelta
	ThreadKey         *ThreadKey `json:"threadKey"`
	ActorFbID         FlexID     `json:"actorFbId"`
	ActionTimestampMs FlexInt    `json:"actionTimestampMs"`
}

// AdminTextMessage is a thread admin notice. Only polls are surfaced.
type AdminTextMessage struct {
	rawDelta
	Type            string                     `json:"type"`
	MessageMetadata *MessageMetadata           `json:"messageMetadata"`
	UntypedData     map[string]json.RawMessage `json:"untypedData"`
	Participants    []FlexID                   `json:"participants"`
}

// ForcedFetch signals content that must be fetched separately.
type ForcedFetch struct {
	rawDelta
	ThreadKey *ThreadKey `json:"threadKey"`
	MessageID string     `json:"messageId"`
}

// ThreadName reports a renamed thread.
type ThreadName struct {
	rawDelta
	MessageMetadata *MessageMetadata `json:"messageMetadata"`
	Name            string           `json:"name"`
	Participants    []FlexID         `json:"participants"`
}

// ParticipantsAdded reports users added to a group.
type ParticipantsAdded struct {
	rawDelta
	MessageMetadata   *MessageMetadata `json:"messageMetadata"`
	AddedParticipants []struct {
		UserFbID FlexID `json:"userFbId"`
		FullName string `json:"fullName"`
	} `json:"addedParticipants"`
	Participants []FlexID `json:"participants"`
}

// ParticipantLeft reports a user leaving a group.
type ParticipantLeft struct {
	rawDelta
	MessageMetadata     *MessageMetadata `json:"messageMetadata"`
	LeftParticipantFbID FlexID           `json:"leftParticipantFbId"`
	Participants        []FlexID         `json:"participants"`
}

// Unknown is any class without a handler.
type Unknown struct {
	rawDelta
	Name string
}

func (NewMessage) Class() string        { return ClassNewMessage }
func (ClientPayload) Class() string     { return ClassClientPayload }
func (ReadReceipt) Class() string       { return ClassReadReceipt }
func (AdminTextMessage) Class() string  { return ClassAdminTextMessage }
func (ForcedFetch) Class() string       { return ClassForcedFetch }
func (ThreadName) Class() string        { return ClassThreadName }
func (ParticipantsAdded) Class() string { return ClassParticipantsAdded }
func (ParticipantLeft) Class() string   { return ClassParticipantLeft }
func (u Unknown) Class() string         { return u.Name }

// Decode classifies a raw delta by its class discriminator. The returned
// error means the delta claimed a known class but its payload did not fit;
// the Delta is still returned so callers can report it.
func Decode(raw json.RawMessage) (Delta, error) {
	var head struct {
		Class string `json:"class"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Unknown{rawDelta: rawDelta{raw: raw}}, fmt.Errorf("delta is not an object: %w", err)
	}

	base := rawDelta{raw: raw}
	var (
		d      Delta
		target any
	)
	switch head.Class {
	case ClassNewMessage:
		v := &NewMessage{rawDelta: base}
		d, target = v, v
	case ClassClientPayload:
		v := &ClientPayload{rawDelta: base}
		d, target = v, v
	case ClassReadReceipt:
		v := &ReadReceipt{rawDelta: base}
		d, target = v, v
	case ClassAdminTextMessage:
		v := &AdminTextMessage{rawDelta: base}
		d, target = v, v
	case ClassForcedFetch:
		v := &ForcedFetch{rawDelta: base}
		d, target = v, v
	case ClassThreadName:
		v := &ThreadName{rawDelta: base}
		d, target = v, v
	case ClassParticipantsAdded:
		v := &ParticipantsAdded{rawDelta: base}
		d, target = v, v
	case ClassParticipantLeft:
		v := &ParticipantLeft{rawDelta: base}
		d, target = v, v
	default:
		return Unknown{rawDelta: base, Name: head.Class}, nil
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return d, fmt.Errorf("decode %s: %w", head.Class, err)
	}
	return d, nil
}

// SubDelta is one entry of a ClientPayload batch.
type SubDelta interface {
	subDelta()
}

// Reaction is a reaction change on a message.
type Reaction struct {
	ThreadKey *ThreadKey `json:"threadKey"`
	MessageID string     `json:"messageId"`
	Reaction  string     `json:"reaction"`
	SenderID  FlexID     `json:"senderId"`
	UserID    FlexID     `json:"userId"`
}

// Recall is an unsent message.
type Recall struct {
	ThreadKey         *ThreadKey `json:"threadKey"`
	MessageID         string     `json:"messageID"`
	SenderID          FlexID     `json:"senderID"`
	DeletionTimestamp FlexInt    `json:"deletionTimestamp"`
	Timestamp         FlexInt    `json:"timestamp"`
}

// Reply is a message that answers another one. RepliedToMessage is set when
// the target travels inline; otherwise ReplyToMessageID names it.
type Reply struct {
	Message          *ReplyMessage `json:"message"`
	RepliedToMessage *ReplyMessage `json:"repliedToMessage"`
	ReplyToMessageID *struct {
		ID string `json:"id"`
	} `json:"replyToMessageId"`
	Raw json.RawMessage `json:"-"`
}

// ReplyMessage is the message shape inside reply sub-deltas.
type ReplyMessage struct {
	MessageMetadata *MessageMetadata  `json:"messageMetadata"`
	Body            string            `json:"body"`
	Attachments     []json.RawMessage `json:"attachments"`
	Data            messageData       `json:"data"`
}

// UnknownSub is any sub-delta kind without a handler.
type UnknownSub struct {
	Keys []string
}

// MalformedSub is a known sub-delta kind whose payload did not decode.
type MalformedSub struct {
	Err error
	Raw json.RawMessage
}

func (*Reaction) subDelta()    {}
func (*Recall) subDelta()      {}
func (*Reply) subDelta()       {}
func (UnknownSub) subDelta()   {}
func (MalformedSub) subDelta() {}

// DecodeClientPayload turns the byte array of a ClientPayload into its
// sub-deltas. A sub-delta that fails to decode becomes a MalformedSub so the
// rest of the batch is still handled.
func DecodeClientPayload(cp *ClientPayload) ([]SubDelta, error) {
	buf := make([]byte, len(cp.Payload))
	for i, b := range cp.Payload {
		if b < 0 || b > 255 {
			return nil, fmt.Errorf("client payload byte %d out of range: %d", i, b)
		}
		buf[i] = byte(b)
	}

	var batch struct {
		Deltas []map[string]json.RawMessage `json:"deltas"`
	}
	if err := json.Unmarshal(buf, &batch); err != nil {
		return nil, fmt.Errorf("decode client payload: %w", err)
	}

	subs := make([]SubDelta, 0, len(batch.Deltas))
	for _, entry := range batch.Deltas {
		subs = append(subs, decodeSub(entry))
	}
	return subs, nil
}

func decodeSub(entry map[string]json.RawMessage) SubDelta {
	if raw, ok := entry["deltaMessageReaction"]; ok {
		v := &Reaction{}
		if err := json.Unmarshal(raw, v); err != nil {
			return MalformedSub{Err: fmt.Errorf("decode reaction: %w", err), Raw: raw}
		}
		return v
	}
	if raw, ok := entry["deltaRecallMessageData"]; ok {
		v := &Recall{}
		if err := json.Unmarshal(raw, v); err != nil {
			return MalformedSub{Err: fmt.Errorf("decode recall: %w", err), Raw: raw}
		}
		return v
	}
	if raw, ok := entry["deltaMessageReply"]; ok {
		v := &Reply{Raw: raw}
		if err := json.Unmarshal(raw, v); err != nil {
			return MalformedSub{Err: fmt.Errorf("decode reply: %w", err), Raw: raw}
		}
		if v.Message == nil || v.Message.MessageMetadata == nil {
			return MalformedSub{Err: errors.New("decode reply: missing message metadata"), Raw: raw}
		}
		return v
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return UnknownSub{Keys: keys}
}
