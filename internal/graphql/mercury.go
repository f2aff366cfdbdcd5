package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

const (
	deliveryReceiptsPath = "/ajax/mercury/delivery_receipts.php"
	readStatusPath       = "/ajax/mercury/change_read_status.php"
	photoPath            = "/mercury/attachments/photo/"
)

// MarkDelivered sends a delivery receipt for one message.
func (c *Client) MarkDelivered(ctx context.Context, threadID, messageID string) error {
	if threadID == "" || messageID == "" {
		return errors.New("graphql: mark delivered needs thread and message ids")
	}
	_, err := c.post(ctx, deliveryReceiptsPath, map[string]string{
		"message_ids[0]":                 messageID,
		"thread_ids[" + threadID + "][0]": messageID,
	})
	return err
}

// MarkRead marks a whole thread read up to now.
func (c *Client) MarkRead(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("graphql: mark read needs a thread id")
	}
	_, err := c.post(ctx, readStatusPath, map[string]string{
		"ids[" + threadID + "]":   "true",
		"watermarkTimestamp":    strconv.FormatInt(c.now().UnixMilli(), 10),
		"shouldSendReadReceipt": "true",
	})
	return err
}

// ResolvePhotoURL looks up the full-size URL of a photo attachment. The
// endpoint answers with a redirect instruction whose first argument is the
// URL.
func (c *Client) ResolvePhotoURL(ctx context.Context, photoID string) (string, error) {
	values, err := c.get(ctx, photoPath, map[string]string{"photo_id": photoID})
	if err != nil {
		return "", err
	}

	var shape struct {
		JSMods struct {
			Require [][]json.RawMessage `json:"require"`
		} `json:"jsmods"`
	}
	if err := json.Unmarshal(values[0], &shape); err != nil {
		return "", &SchemaError{Path: "jsmods.require", Err: err}
	}
	req := shape.JSMods.Require
	if len(req) == 0 || len(req[0]) < 4 {
		return "", &SchemaError{Path: "jsmods.require[0][3]", Err: errors.New("missing")}
	}

	var args []json.RawMessage
	if err := json.Unmarshal(req[0][3], &args); err != nil || len(args) == 0 {
		return "", &SchemaError{Path: "jsmods.require[0][3][0]", Err: errors.New("missing")}
	}
	var url string
	if err := json.Unmarshal(args[0], &url); err != nil || url == "" {
		return "", &SchemaError{Path: "jsmods.require[0][3][0]", Err: errors.New("not a url")}
	}
	return url, nil
}
