package faas

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Inpainter wraps a Client for endpoints that fill masked image regions.
// Input and output images travel base64-encoded inside the job payload.
type Inpainter struct {
	client *Client
}

func NewInpainter(client *Client) *Inpainter {
	return &Inpainter{client: client}
}

type inpaintOutput struct {
	OutputImage string `json:"output_image"`
	Stats       struct {
		InferenceTime float64 `json:"inference_time"`
		OverallTime   float64 `json:"overall_time"`
	} `json:"stats"`
}

// Submit sends the encoded image and mask without waiting for completion.
// White mask pixels mark the regions to fill.
func (ip *Inpainter) Submit(ctx context.Context, image, mask []byte) (JobHandle, error) {
	if len(image) == 0 || len(mask) == 0 {
		return "", fmt.Errorf("image and mask are required: %w", ErrInvalidRequest)
	}

	return ip.client.Submit(ctx, JobRequest{Input: map[string]any{
		"image": base64.StdEncoding.EncodeToString(image),
		"mask":  base64.StdEncoding.EncodeToString(mask),
	}})
}

// Wait blocks until the job reaches a terminal status.
func (ip *Inpainter) Wait(ctx context.Context, handle JobHandle) (JobStatus, error) {
	return ip.client.Poll(ctx, handle)
}

// Result returns the decoded output image of a succeeded job.
func (ip *Inpainter) Result(ctx context.Context, handle JobHandle) ([]byte, error) {
	result, err := ip.client.FetchResult(ctx, handle)
	if err != nil {
		return nil, err
	}
	return decodeInpaintOutput(result)
}

// Inpaint composes Submit, Wait, and Result.
func (ip *Inpainter) Inpaint(ctx context.Context, image, mask []byte) ([]byte, error) {
	handle, err := ip.Submit(ctx, image, mask)
	if err != nil {
		return nil, err
	}
	if _, err := ip.Wait(ctx, handle); err != nil {
		return nil, err
	}
	return ip.Result(ctx, handle)
}

// InpaintSync is Inpaint over the provider's synchronous submission path.
func (ip *Inpainter) InpaintSync(ctx context.Context, image, mask []byte) ([]byte, error) {
	if len(image) == 0 || len(mask) == 0 {
		return nil, fmt.Errorf("image and mask are required: %w", ErrInvalidRequest)
	}

	result, err := ip.client.RunSync(ctx, JobRequest{Input: map[string]any{
		"image": base64.StdEncoding.EncodeToString(image),
		"mask":  base64.StdEncoding.EncodeToString(mask),
	}})
	if err != nil {
		return nil, err
	}

	return decodeInpaintOutput(result)
}

func decodeInpaintOutput(result JobResult) ([]byte, error) {
	var output inpaintOutput
	if err := json.Unmarshal(result.Output, &output); err != nil {
		return nil, fmt.Errorf("parsing inpainting output: %v: %w", err, ErrDecode)
	}
	if output.OutputImage == "" {
		return nil, fmt.Errorf("no output image in response: %w", ErrDecode)
	}

	data, err := base64.StdEncoding.DecodeString(output.OutputImage)
	if err != nil {
		return nil, fmt.Errorf("decoding output image: %v: %w", err, ErrDecode)
	}

	slog.Debug("inpainting finished",
		"inference_time", output.Stats.InferenceTime,
		"overall_time", output.Stats.OverallTime,
		"output_bytes", len(data))

	return data, nil
}
