package delta

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jersoncarin/facebook-message-api/internal/events"
)

var (
	errNoThread   = errors.New("no thread id")
	errNoSender   = errors.New("no sender id")
	errNoMetadata = errors.New("no message metadata")
)

// formatMessage normalizes a NewMessage. Legacy photos that still need their
// URL resolved are returned alongside.
func formatMessage(nm *NewMessage) (events.Message, []pendingPhoto, error) {
	msg, err := messageFrom(&nm.MessageMetadata, nm.Body, nm.Data.Prng)
	if err != nil {
		return events.Message{}, nil, err
	}
	atts, pending := formatAttachments(nm.Attachments)
	msg.Attachments = atts
	return msg, pending, nil
}

// formatReplyMessage normalizes either side of a reply sub-delta.
func formatReplyMessage(m *ReplyMessage) (events.Message, error) {
	if m == nil || m.MessageMetadata == nil {
		return events.Message{}, errNoMetadata
	}
	msg, err := messageFrom(m.MessageMetadata, m.Body, m.Data.Prng)
	if err != nil {
		return events.Message{}, err
	}
	msg.Attachments, _ = formatAttachments(m.Attachments)
	return msg, nil
}

func messageFrom(md *MessageMetadata, body, prng string) (events.Message, error) {
	threadID := md.ThreadKey.ID()
	if threadID == "" {
		return events.Message{}, errNoThread
	}
	senderID := events.FormatID(string(md.ActorFbID))
	if senderID == "" {
		return events.Message{}, errNoSender
	}
	mentions, err := DecodeMentions(body, prng)
	if err != nil {
		return events.Message{}, err
	}
	return events.Message{
		ThreadID:    threadID,
		MessageID:   md.MessageID,
		SenderID:    senderID,
		Body:        body,
		Attachments: []events.Attachment{},
		Mentions:    mentions,
		Timestamp:   int64(md.Timestamp),
		IsGroup:     md.ThreadKey.IsGroup(),
	}, nil
}

func repliedFrom(m events.Message) *events.RepliedMessage {
	r := events.RepliedMessage(m)
	return &r
}

func formatReaction(r *Reaction) (events.MessageReaction, error) {
	if r.ThreadKey == nil {
		return events.MessageReaction{}, errNoThread
	}
	threadID := r.ThreadKey.ID()
	if threadID == "" {
		return events.MessageReaction{}, errNoThread
	}
	return events.MessageReaction{
		ThreadID:  threadID,
		MessageID: r.MessageID,
		Reaction:  r.Reaction,
		SenderID:  string(r.SenderID),
		UserID:    string(r.UserID),
	}, nil
}

func formatRecall(r *Recall) (events.MessageUnsend, error) {
	if r.ThreadKey == nil {
		return events.MessageUnsend{}, errNoThread
	}
	threadID := r.ThreadKey.ID()
	if threadID == "" {
		return events.MessageUnsend{}, errNoThread
	}
	return events.MessageUnsend{
		ThreadID:          threadID,
		MessageID:         r.MessageID,
		SenderID:          string(r.SenderID),
		DeletionTimestamp: int64(r.DeletionTimestamp),
		Timestamp:         int64(r.Timestamp),
	}, nil
}

// formatReadReceipt names the other participant of a one-to-one thread as
// both reader and thread; in groups the actor is the reader.
func formatReadReceipt(rr *ReadReceipt) (events.ReadReceipt, error) {
	if rr.ThreadKey == nil {
		return events.ReadReceipt{}, errNoThread
	}
	key := rr.ThreadKey

	reader := string(key.OtherUserFbID)
	if reader == "" {
		reader = string(rr.ActorFbID)
	}
	threadID := string(key.OtherUserFbID)
	if threadID == "" {
		threadID = string(key.ThreadFbID)
	}
	if threadID == "" {
		return events.ReadReceipt{}, errNoThread
	}
	return events.ReadReceipt{
		Reader:   reader,
		Time:     int64(rr.ActionTimestampMs),
		ThreadID: events.FormatID(threadID),
	}, nil
}

func threadEvent(md *MessageMetadata, participants []FlexID) (events.ThreadEvent, error) {
	if md == nil {
		return events.ThreadEvent{}, errNoMetadata
	}
	threadID := md.ThreadKey.ID()
	if threadID == "" {
		return events.ThreadEvent{}, errNoThread
	}
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, string(p))
	}
	return events.ThreadEvent{
		ThreadID:       threadID,
		Author:         string(md.ActorFbID),
		LogMessageBody: md.AdminText,
		ParticipantIDs: ids,
		Timestamp:      int64(md.Timestamp),
	}, nil
}

func formatThreadName(d *ThreadName) (events.ThreadNameChange, error) {
	te, err := threadEvent(d.MessageMetadata, d.Participants)
	if err != nil {
		return events.ThreadNameChange{}, err
	}
	return events.ThreadNameChange{ThreadEvent: te, Name: d.Name}, nil
}

func formatParticipantsAdded(d *ParticipantsAdded) (events.ParticipantsAdded, error) {
	te, err := threadEvent(d.MessageMetadata, d.Participants)
	if err != nil {
		return events.ParticipantsAdded{}, err
	}
	added := make([]events.Participant, 0, len(d.AddedParticipants))
	for _, p := range d.AddedParticipants {
		added = append(added, events.Participant{UserID: string(p.UserFbID), FullName: p.FullName})
	}
	return events.ParticipantsAdded{ThreadEvent: te, AddedParticipants: added}, nil
}

func formatParticipantLeft(d *ParticipantLeft) (events.ParticipantLeft, error) {
	te, err := threadEvent(d.MessageMetadata, d.Participants)
	if err != nil {
		return events.ParticipantLeft{}, err
	}
	return events.ParticipantLeft{ThreadEvent: te, LeftParticipantID: string(d.LeftParticipantFbID)}, nil
}

// formatGroupPoll keeps the poll's untyped data; string values are copied,
// anything else is carried as its JSON text.
func formatGroupPoll(d *AdminTextMessage) (events.GroupPoll, error) {
	te, err := threadEvent(d.MessageMetadata, d.Participants)
	if err != nil {
		return events.GroupPoll{}, err
	}
	data := make(map[string]string, len(d.UntypedData))
	for k, raw := range d.UntypedData {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			data[k] = s
			continue
		}
		data[k] = string(raw)
	}
	return events.GroupPoll{ThreadEvent: te, Data: data}, nil
}

func parseError(err error, raw json.RawMessage) events.ParseError {
	return events.ParseError{
		Error:  "Problem parsing message object",
		Detail: err.Error(),
		Raw:    raw,
	}
}

func describe(class string, err error) error {
	return fmt.Errorf("%s: %w", class, err)
}
