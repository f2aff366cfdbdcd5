package delta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jersoncarin/facebook-message-api/internal/events"
)

// Typenames of fetched messages.
const (
	TypenameThreadImage = "ThreadImageMessage"
	TypenameUserMessage = "UserMessage"
)

// Fetcher materializes one message of a thread. graphql.Client implements it.
type Fetcher interface {
	FetchMessage(ctx context.Context, threadID, messageID string) (json.RawMessage, error)
}

// Resolver completes deltas that arrive without their content by fetching
// the message and mapping each content kind onto the same event shapes the
// inline path produces.
type Resolver struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(f Fetcher, logger zerolog.Logger) *Resolver {
	return &Resolver{
		fetcher: f,
		logger:  logger.With().Str("component", "forced_fetch").Logger(),
	}
}

type fetchedMessage struct {
	Typename      string `json:"__typename"`
	MessageID     string `json:"message_id"`
	MessageSender *struct {
		ID FlexID `json:"id"`
	} `json:"message_sender"`
	TimestampPrecise FlexInt `json:"timestamp_precise"`
	Snippet          string  `json:"snippet"`
	Message          *struct {
		Text   string `json:"text"`
		Ranges []struct {
			Entity struct {
				ID FlexID `json:"id"`
			} `json:"entity"`
			Offset int `json:"offset"`
			Length int `json:"length"`
		} `json:"ranges"`
		BlobAttachment []json.RawMessage `json:"blob_attachment"`
	} `json:"message"`
	BlobAttachments   []json.RawMessage `json:"blob_attachments"`
	ImageWithMetadata *struct {
		LegacyAttachmentID FlexID `json:"legacy_attachment_id"`
		OriginalDimensions *struct {
			X FlexInt `json:"x"`
			Y FlexInt `json:"y"`
		} `json:"original_dimensions"`
		Preview *imageRef `json:"preview"`
	} `json:"image_with_metadata"`
	ExtensibleAttachment *extensibleAttachment `json:"extensible_attachment"`
}

func (m *fetchedMessage) senderID() string {
	if m.MessageSender == nil {
		return ""
	}
	return string(m.MessageSender.ID)
}

func (m *fetchedMessage) text() string {
	if m.Message == nil {
		return ""
	}
	return m.Message.Text
}

func (m *fetchedMessage) mentions() map[string]string {
	out := map[string]string{}
	if m.Message == nil {
		return out
	}
	for _, r := range m.Message.Ranges {
		out[string(r.Entity.ID)] = substring(m.Message.Text, r.Offset, r.Offset+r.Length)
	}
	return out
}

func (m *fetchedMessage) blobAttachments() []events.Attachment {
	blobs := m.BlobAttachments
	if len(blobs) == 0 && m.Message != nil {
		blobs = m.Message.BlobAttachment
	}
	out := make([]events.Attachment, 0, len(blobs))
	for _, blob := range blobs {
		wrapped, err := json.Marshal(map[string]json.RawMessage{"blob_attachment": blob})
		if err != nil {
			out = append(out, events.Attachment{Type: AttachmentUnknown, Raw: blob, Error: err.Error()})
			continue
		}
		att, _, err := FormatAttachment(wrapped)
		if err != nil {
			att = events.Attachment{Type: AttachmentUnknown, Raw: blob, Error: err.Error()}
		}
		out = append(out, att)
	}
	return out
}

func (r *Resolver) fetch(ctx context.Context, threadID, messageID string) (*fetchedMessage, error) {
	raw, err := r.fetcher.FetchMessage(ctx, threadID, messageID)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().RawJSON("message", raw).Msg("Fetched message")

	var m fetchedMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode fetched message: %w", err)
	}
	return &m, nil
}

// Resolve fetches a message announced by a ForcedFetch delta. It returns a
// nil event for content kinds that have no event mapping.
func (r *Resolver) Resolve(ctx context.Context, threadID, messageID string) (events.Event, error) {
	m, err := r.fetch(ctx, threadID, messageID)
	if err != nil {
		return nil, err
	}

	switch m.Typename {
	case TypenameThreadImage:
		ev := events.ChangeThreadImage{
			ThreadID:  events.FormatID(threadID),
			Snippet:   m.Snippet,
			Timestamp: int64(m.TimestampPrecise),
			Author:    m.senderID(),
		}
		if img := m.ImageWithMetadata; img != nil {
			ev.Image = &events.ThreadImage{
				AttachmentID: string(img.LegacyAttachmentID),
				URL:          img.Preview.uri(),
			}
			if img.OriginalDimensions != nil {
				ev.Image.Width = int(img.OriginalDimensions.X)
				ev.Image.Height = int(img.OriginalDimensions.Y)
			}
		}
		return ev, nil

	case TypenameUserMessage:
		sender := events.FormatID(m.senderID())
		if sender == "" {
			return nil, errors.New("fetched message has no sender")
		}
		msg := events.Message{
			ThreadID:    events.FormatID(threadID),
			MessageID:   m.MessageID,
			SenderID:    sender,
			Body:        m.text(),
			Attachments: []events.Attachment{},
			Mentions:    m.mentions(),
			Timestamp:   int64(m.TimestampPrecise),
			IsGroup:     sender != events.FormatID(threadID),
		}
		if m.ExtensibleAttachment != nil {
			att, err := m.ExtensibleAttachment.format()
			if err != nil {
				att = events.Attachment{Type: AttachmentUnknown, Error: err.Error()}
			}
			msg.Attachments = append(msg.Attachments, att)
		} else {
			msg.Attachments = append(msg.Attachments, m.blobAttachments()...)
		}
		return msg, nil

	default:
		r.logger.Debug().Str("typename", m.Typename).Msg("No mapping for fetched message kind")
		return nil, nil
	}
}

// ResolveReply materializes the target of a reply that carried only its id.
func (r *Resolver) ResolveReply(ctx context.Context, threadID, messageID string, isGroup bool) (*events.RepliedMessage, error) {
	m, err := r.fetch(ctx, threadID, messageID)
	if err != nil {
		return nil, err
	}
	if m.senderID() == "" {
		return nil, errors.New("fetched reply target has no sender")
	}
	return &events.RepliedMessage{
		ThreadID:    threadID,
		MessageID:   m.MessageID,
		SenderID:    m.senderID(),
		Body:        m.text(),
		Attachments: m.blobAttachments(),
		Mentions:    m.mentions(),
		Timestamp:   int64(m.TimestampPrecise),
		IsGroup:     isGroup,
	}, nil
}
