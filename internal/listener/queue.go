package listener

import (
	"encoding/json"

	"github.com/jersoncarin/facebook-message-api/internal/mqtt"
	"github.com/jersoncarin/facebook-message-api/internal/session"
)

type queueBase struct {
	SyncAPIVersion int    `json:"sync_api_version"`
	MaxDeltas      int    `json:"max_deltas_able_to_process"`
	DeltaBatchSize int    `json:"delta_batch_size"`
	Encoding       string `json:"encoding"`
	EntityFbID     string `json:"entity_fbid"`
}

type createQueue struct {
	queueBase
	InitialTitanSequenceID int64           `json:"initial_titan_sequence_id"`
	DeviceParams           json.RawMessage `json:"device_params"`
}

type getDiffs struct {
	queueBase
	LastSeqID int64  `json:"last_seq_id"`
	SyncToken string `json:"sync_token"`
}

// queueFrame builds the queue initialization publish for a cursor. A cursor
// with a token resumes with get_diffs; anything else creates a queue at the
// cursor's sequence id.
func queueFrame(userID string, cur session.Cursor) (topic, mode string, payload []byte, err error) {
	base := queueBase{
		SyncAPIVersion: 10,
		MaxDeltas:      1000,
		DeltaBatchSize: 500,
		Encoding:       "JSON",
		EntityFbID:     userID,
	}

	if cur.Resumable() {
		payload, err = json.Marshal(getDiffs{
			queueBase: base,
			LastSeqID: cur.SequenceID,
			SyncToken: cur.SyncToken,
		})
		return mqtt.TopicGetDiffs, ModeGetDiffs, payload, err
	}

	payload, err = json.Marshal(createQueue{
		queueBase:              base,
		InitialTitanSequenceID: cur.SequenceID,
		DeviceParams:           json.RawMessage("null"),
	})
	return mqtt.TopicCreateQueue, ModeCreateQueue, payload, err
}
