package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jersoncarin/facebook-message-api/internal/events"
)

// FlexID is an identifier that may arrive as a JSON number or string. It is
// always held as its decimal string form.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", data)
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// FlexInt is an integer that may arrive as a JSON number or numeric string.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = FlexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	*f = FlexInt(v)
	return nil
}

// ThreadKey names a thread: a group by ThreadFbID, a one-to-one chat by the
// other participant's id.
type ThreadKey struct {
	ThreadFbID    FlexID `json:"threadFbId"`
	OtherUserFbID FlexID `json:"otherUserFbId"`
}

// ID returns the thread id, preferring the group id.
func (k ThreadKey) ID() string {
	if k.ThreadFbID != "" {
		return events.FormatID(string(k.ThreadFbID))
	}
	return events.FormatID(string(k.OtherUserFbID))
}

// IsGroup reports whether the key names a group thread.
func (k ThreadKey) IsGroup() bool { return k.ThreadFbID != "" }

// MessageMetadata is carried by every message and thread-metadata delta.
type MessageMetadata struct {
	ThreadKey ThreadKey `json:"threadKey"`
	MessageID string    `json:"messageId"`
	ActorFbID FlexID    `json:"actorFbId"`
	Timestamp FlexInt   `json:"timestamp"`
	AdminText string    `json:"adminText"`
	Tags      []string  `json:"tags"`
}

// Envelope is the JSON body of a message-sync frame.
type Envelope struct {
	Deltas          []json.RawMessage `json:"deltas"`
	FirstDeltaSeqID FlexInt           `json:"firstDeltaSeqId"`
	LastIssuedSeqID FlexInt           `json:"lastIssuedSeqId"`
	SyncToken       string            `json:"syncToken"`
	QueueEntityID   FlexID            `json:"queueEntityId"`
}

type typingFrame struct {
	State      FlexInt `json:"state"`
	SenderFbID FlexID  `json:"sender_fbid"`
	Thread     FlexID  `json:"thread"`
	FromMobile bool    `json:"from_mobile"`
}

type presenceFrame struct {
	List []struct {
		UserID   FlexID  `json:"u"`
		LastSeen FlexInt `json:"l"`
		Status   int     `json:"p"`
	} `json:"list"`
}
