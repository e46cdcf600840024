package queue

import (
	"context"
	"encoding/json"

	"github.com/brokerfeed/serviceclients/pkg/serviceerr"
)

// Notification is the payload carried by feed queue messages: the
// object-store key of the dropped file and where it came from.
type Notification struct {
	Key    string `json:"key"`
	Bucket string `json:"bucket,omitempty"`
	Source string `json:"source"`
	Size   int64  `json:"size,omitempty"`
}

// Parse decodes a message body. A malformed body is a data error: the
// message is deleted so it cannot poison the queue through endless
// redelivery, and the error is surfaced to the caller.
func (c *Client) Parse(ctx context.Context, msg Message) (*Notification, error) {
	op := "queue.parse"

	var n Notification
	if err := json.Unmarshal([]byte(msg.Body), &n); err != nil {
		c.deleteBad(ctx, msg, err.Error())
		return nil, serviceerr.Data(op, "malformed message body").WithCause(err)
	}
	if n.Key == "" {
		c.deleteBad(ctx, msg, "missing resource key")
		return nil, serviceerr.Data(op, "message missing resource key")
	}
	return &n, nil
}

func (c *Client) deleteBad(ctx context.Context, msg Message, reason string) {
	c.logger.Error("deleting unparseable message", "id", msg.ID, "body", msg.Body, "reason", reason)
	if err := c.deleter(ctx, msg); err != nil {
		c.logger.Error("failed to delete unparseable message", "id", msg.ID, "error", err.Error())
	}
}
