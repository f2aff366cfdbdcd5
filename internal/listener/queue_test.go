package listener

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jersoncarin/facebook-message-api/internal/mqtt"
	"github.com/jersoncarin/facebook-message-api/internal/session"
)

func TestQueueFrame(t *testing.T) {
	tests := []struct {
		name      string
		cursor    session.Cursor
		wantTopic string
		wantMode  string
		want      map[string]any
	}{
		{
			name:      "create queue",
			cursor:    session.Cursor{SequenceID: 7, HasSequence: true},
			wantTopic: mqtt.TopicCreateQueue,
			wantMode:  ModeCreateQueue,
			want: map[string]any{
				"sync_api_version":           float64(10),
				"max_deltas_able_to_process": float64(1000),
				"delta_batch_size":           float64(500),
				"encoding":                   "JSON",
				"entity_fbid":                "100",
				"initial_titan_sequence_id":  float64(7),
				"device_params":              nil,
			},
		},
		{
			name:      "get diffs",
			cursor:    session.Cursor{SequenceID: 9, HasSequence: true, SyncToken: "tok"},
			wantTopic: mqtt.TopicGetDiffs,
			wantMode:  ModeGetDiffs,
			want: map[string]any{
				"sync_api_version":           float64(10),
				"max_deltas_able_to_process": float64(1000),
				"delta_batch_size":           float64(500),
				"encoding":                   "JSON",
				"entity_fbid":                "100",
				"last_seq_id":                float64(9),
				"sync_token":                 "tok",
			},
		},
		{
			name:      "token without sequence",
			cursor:    session.Cursor{SyncToken: "tok"},
			wantTopic: mqtt.TopicCreateQueue,
			wantMode:  ModeCreateQueue,
			want: map[string]any{
				"sync_api_version":           float64(10),
				"max_deltas_able_to_process": float64(1000),
				"delta_batch_size":           float64(500),
				"encoding":                   "JSON",
				"entity_fbid":                "100",
				"initial_titan_sequence_id":  float64(0),
				"device_params":              nil,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, mode, payload, err := queueFrame("100", tt.cursor)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTopic, topic)
			assert.Equal(t, tt.wantMode, mode)

			var got map[string]any
			require.NoError(t, json.Unmarshal(payload, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "syncing", Syncing.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "unknown", State(42).String())
}
