package api

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobKindInpaint = "inpaint"
	JobKindSegment = "segment"
)

// InpaintRequest carries base64-encoded PNG payloads. White pixels in the
// mask mark the regions to fill.
type InpaintRequest struct {
	Image string `json:"image"`
	Mask  string `json:"mask"`
}

type SegmentRequest struct {
	Image      string   `json:"image"`
	ClassNames []string `json:"class_names,omitempty"`
}

type SubmitJobResponse struct {
	JobId   uuid.UUID `json:"job_id"`
	Message string    `json:"message"`
}

type Job struct {
	Id             uuid.UUID  `json:"id"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	RemoteJobId    string     `json:"remote_job_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreationTime   time.Time  `json:"creation_time"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
}

type ListJobsResponse struct {
	Jobs []Job `json:"jobs"`
}

// SegmentationResult is the stored result document for segmentation jobs.
// Masks remain base64-encoded PNGs.
type SegmentationResult struct {
	Masks         []string    `json:"masks"`
	BoundingBoxes [][]float64 `json:"bounding_boxes"`
}
