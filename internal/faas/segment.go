package faas

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Segmenter wraps a Client for endpoints that segment images into per-class
// masks with bounding boxes.
type Segmenter struct {
	client *Client
}

func NewSegmenter(client *Client) *Segmenter {
	return &Segmenter{client: client}
}

// Segmentation is the decoded output of a segmentation job. Masks are raw
// encoded image bytes, one per detected instance, aligned with BoundingBoxes.
type Segmentation struct {
	Masks         [][]byte
	BoundingBoxes [][]float64
}

type segmentOutput struct {
	Masks         []string    `json:"masks"`
	BoundingBoxes [][]float64 `json:"bounding_boxes"`
}

// Submit sends the encoded image without waiting for completion. classNames
// restricts segmentation to the given classes; nil segments everything the
// model detects.
func (s *Segmenter) Submit(ctx context.Context, image []byte, classNames []string) (JobHandle, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("image is required: %w", ErrInvalidRequest)
	}

	input := map[string]any{"image": base64.StdEncoding.EncodeToString(image)}
	if len(classNames) > 0 {
		input["class_names"] = classNames
	}

	return s.client.Submit(ctx, JobRequest{Input: input})
}

// Wait blocks until the job reaches a terminal status.
func (s *Segmenter) Wait(ctx context.Context, handle JobHandle) (JobStatus, error) {
	return s.client.Poll(ctx, handle)
}

// Result returns the decoded masks and boxes of a succeeded job.
func (s *Segmenter) Result(ctx context.Context, handle JobHandle) (*Segmentation, error) {
	result, err := s.client.FetchResult(ctx, handle)
	if err != nil {
		return nil, err
	}

	var output segmentOutput
	if err := json.Unmarshal(result.Output, &output); err != nil {
		return nil, fmt.Errorf("parsing segmentation output: %v: %w", err, ErrDecode)
	}

	segmentation := &Segmentation{BoundingBoxes: output.BoundingBoxes}
	for i, mask := range output.Masks {
		data, err := base64.StdEncoding.DecodeString(mask)
		if err != nil {
			return nil, fmt.Errorf("decoding mask %d: %v: %w", i, err, ErrDecode)
		}
		segmentation.Masks = append(segmentation.Masks, data)
	}

	return segmentation, nil
}

// Segment composes Submit, Wait, and Result.
func (s *Segmenter) Segment(ctx context.Context, image []byte, classNames []string) (*Segmentation, error) {
	handle, err := s.Submit(ctx, image, classNames)
	if err != nil {
		return nil, err
	}
	if _, err := s.Wait(ctx, handle); err != nil {
		return nil, err
	}
	return s.Result(ctx, handle)
}
