package models

import "github.com/google/uuid"

// --- Task Payload Structs ---

type InpaintTaskPayload struct {
	JobId uuid.UUID
}

type SegmentTaskPayload struct {
	JobId uuid.UUID
}
