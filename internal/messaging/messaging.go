package messaging

import (
	"context"
	"time"

	"imaging-backend/pkg/models"
)

const (
	InpaintQueue    = "inpaint_queue"
	SegmentQueue    = "segment_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type Publisher interface {
	PublishInpaintTask(ctx context.Context, payload models.InpaintTaskPayload) error

	PublishSegmentTask(ctx context.Context, payload models.SegmentTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
