package cmd

import (
	"flag"
	"log"
	"time"

	"imaging-backend/internal/faas"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// FaaSConfig holds the provider settings shared by the worker and local
// binaries. Each operation runs on its own deployed endpoint.
type FaaSConfig struct {
	BaseURL           string        `env:"FAAS_BASE_URL" envDefault:""`
	APIKey            string        `env:"FAAS_API_KEY,notEmpty,required"`
	InpaintEndpointID string        `env:"FAAS_INPAINT_ENDPOINT_ID,notEmpty,required"`
	SegmentEndpointID string        `env:"FAAS_SEGMENT_ENDPOINT_ID,notEmpty,required"`
	PollInterval      time.Duration `env:"FAAS_POLL_INTERVAL" envDefault:"2s"`
	PollTimeout       time.Duration `env:"FAAS_POLL_TIMEOUT" envDefault:"5m"`
	Debug             bool          `env:"FAAS_DEBUG" envDefault:"false"`
}

func CreateFaasClients(cfg FaaSConfig) (*faas.Inpainter, *faas.Segmenter) {
	inpaintClient, err := faas.NewClient(faas.Config{
		BaseURL:      cfg.BaseURL,
		EndpointID:   cfg.InpaintEndpointID,
		APIKey:       cfg.APIKey,
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		Debug:        cfg.Debug,
	})
	if err != nil {
		log.Fatalf("Failed to create inpaint client: %v", err)
	}

	segmentClient, err := faas.NewClient(faas.Config{
		BaseURL:      cfg.BaseURL,
		EndpointID:   cfg.SegmentEndpointID,
		APIKey:       cfg.APIKey,
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		Debug:        cfg.Debug,
	})
	if err != nil {
		log.Fatalf("Failed to create segment client: %v", err)
	}

	return faas.NewInpainter(inpaintClient), faas.NewSegmenter(segmentClient)
}
