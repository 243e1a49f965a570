package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imaging-backend/internal/faas"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v2"
)

// profile is an optional yaml file carrying provider credentials, so they do
// not have to be passed on the command line every run. Durations are plain
// strings ("2s", "5m") because yaml.v2 cannot decode time.Duration.
type profile struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	EndpointID   string `yaml:"endpoint_id"`
	PollInterval string `yaml:"poll_interval"`
	PollTimeout  string `yaml:"poll_timeout"`
}

func loadProfile(path string) profile {
	var p profile
	if path == "" {
		return p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("error reading profile %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		log.Fatalf("error parsing profile %s: %v", path, err)
	}
	return p
}

// durations parses the optional poll settings, leaving zero values for fields
// the profile omits.
func (p profile) durations() (interval, timeout time.Duration, err error) {
	if p.PollInterval != "" {
		if interval, err = time.ParseDuration(p.PollInterval); err != nil {
			return 0, 0, fmt.Errorf("invalid poll_interval %q: %w", p.PollInterval, err)
		}
	}
	if p.PollTimeout != "" {
		if timeout, err = time.ParseDuration(p.PollTimeout); err != nil {
			return 0, 0, fmt.Errorf("invalid poll_timeout %q: %w", p.PollTimeout, err)
		}
	}
	return interval, timeout, nil
}

func main() {
	var (
		imagePath   = flag.String("image", "", "path to the input image (png)")
		maskPath    = flag.String("mask", "", "path to the mask (png, white marks regions to fill)")
		outputPath  = flag.String("out", "output.png", "path to write the inpainted image to")
		profilePath = flag.String("profile", "", "path to a yaml profile with provider credentials")
		endpointID  = flag.String("endpoint", "", "endpoint id, overrides the profile")
		apiKey      = flag.String("key", "", "api key, overrides the profile")
		baseURL     = flag.String("base-url", "", "provider base url, overrides the profile")
		debug       = flag.Bool("debug", false, "log provider requests and responses")
	)
	flag.Parse()

	if *imagePath == "" || *maskPath == "" {
		flag.Usage()
		log.Fatal("both -image and -mask are required")
	}

	p := loadProfile(*profilePath)
	if *endpointID != "" {
		p.EndpointID = *endpointID
	}
	if *apiKey != "" {
		p.APIKey = *apiKey
	}
	if *baseURL != "" {
		p.BaseURL = *baseURL
	}
	if p.APIKey == "" {
		p.APIKey = os.Getenv("FAAS_API_KEY")
	}

	pollInterval, pollTimeout, err := p.durations()
	if err != nil {
		log.Fatalf("error parsing profile %s: %v", *profilePath, err)
	}

	client, err := faas.NewClient(faas.Config{
		BaseURL:      p.BaseURL,
		EndpointID:   p.EndpointID,
		APIKey:       p.APIKey,
		PollInterval: pollInterval,
		PollTimeout:  pollTimeout,
		Debug:        *debug,
	})
	if err != nil {
		log.Fatalf("error creating client: %v", err)
	}
	inpainter := faas.NewInpainter(client)

	image, err := os.ReadFile(*imagePath)
	if err != nil {
		log.Fatalf("error reading image: %v", err)
	}
	mask, err := os.ReadFile(*maskPath)
	if err != nil {
		log.Fatalf("error reading mask: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle, err := inpainter.Submit(ctx, image, mask)
	if err != nil {
		log.Fatalf("error submitting job: %v", err)
	}
	log.Printf("submitted job %s", handle)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("waiting for job"),
		progressbar.OptionSpinnerType(14),
	)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(100 * time.Millisecond):
				bar.Add(1) //nolint:errcheck
			}
		}
	}()

	status, err := inpainter.Wait(ctx, handle)
	close(done)
	bar.Finish() //nolint:errcheck

	if err != nil {
		log.Fatalf("error waiting for job: %v", err)
	}
	log.Printf("job %s finished with status %s", handle, status)

	output, err := inpainter.Result(ctx, handle)
	if err != nil {
		log.Fatalf("error fetching result: %v", err)
	}

	if err := os.WriteFile(*outputPath, output, 0644); err != nil {
		log.Fatalf("error writing output: %v", err)
	}
	log.Printf("wrote %d bytes to %s", len(output), *outputPath)
}
