package mqtt

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jersoncarin/facebook-message-api/internal/session"
)

// Username is the JSON document the edge expects in the CONNECT username
// field.
type Username struct {
	UserID       string   `json:"u"`
	SessionID    int64    `json:"s"`
	ChatOn       bool     `json:"chat_on"`
	Foreground   bool     `json:"fg"`
	DeviceID     string   `json:"d"`
	ConnType     string   `json:"ct"`
	AppID        string   `json:"aid"`
	MQTTSID      string   `json:"mqtt_sid"`
	Capabilities int      `json:"cp"`
	EndpointCaps int      `json:"ecp"`
	Subscribed   []string `json:"st"`
	PM           []string `json:"pm"`
	DC           string   `json:"dc"`
	NoAutoFG     bool     `json:"no_auto_fg"`
	GAS          any      `json:"gas"`
	Pack         []string `json:"pack"`
}

// NewUsername builds the username for one connection. A fresh device id is
// generated every time.
func NewUsername(userID string, sessionID int64, chatOn bool) Username {
	return Username{
		UserID:       userID,
		SessionID:    sessionID,
		ChatOn:       chatOn,
		DeviceID:     uuid.NewString(),
		ConnType:     "websocket",
		AppID:        session.StreamAppID,
		Capabilities: 3,
		EndpointCaps: 10,
		Subscribed:   []string{},
		PM:           []string{},
		NoAutoFG:     true,
		Pack:         []string{},
	}
}

// String renders the username as JSON.
func (u Username) String() string {
	data, _ := json.Marshal(u)
	return string(data)
}
