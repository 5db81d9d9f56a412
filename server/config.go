package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/cyclopcam/classpie/pkg/kibi"
	"github.com/cyclopcam/classpie/pkg/nn"
	"github.com/cyclopcam/classpie/pkg/nnload"
)

type Config struct {
	Listen        string           `json:"listen"`        // eg ":8080"
	Model         nnload.ModelSpec `json:"model"`         // Where to find the detection model
	Detection     DetectionConfig  `json:"detection"`     // Parameters for the detection model
	MaxUploadSize kibi.Size        `json:"maxUploadSize"` // eg "512mb"
	TempDir       string           `json:"tempDir"`       // Uploaded videos are stored here while we run the model. Empty = OS default.
	ChartWidth    int              `json:"chartWidth"`
	ChartHeight   int              `json:"chartHeight"`
	RateLimit     int              `json:"rateLimit"` // Maximum predictions per minute, per IP. Zero = no limit.
	HotReloadWWW  bool             `json:"hotReloadWWW"`
}

type DetectionConfig struct {
	ProbabilityThreshold float32 `json:"probabilityThreshold"` // Zero = default
	NmsIouThreshold      float32 `json:"nmsIouThreshold"`      // Zero = default
	FrameStride          int     `json:"frameStride"`          // Run the model on every Nth frame
	MaxFrames            int     `json:"maxFrames"`            // Zero = whole video
}

func (d *DetectionConfig) Params() *nn.DetectionParams {
	p := nn.DetectionParams{
		ProbabilityThreshold: d.ProbabilityThreshold,
		NmsIouThreshold:      d.NmsIouThreshold,
		FrameStride:          d.FrameStride,
		MaxFrames:            d.MaxFrames,
	}
	p = p.WithDefaults()
	return &p
}

// DefaultConfig is used for any values that are missing from the config file
func DefaultConfig() Config {
	return Config{
		Listen: ":8080",
		Model: nnload.ModelSpec{
			Dir:  "models",
			Name: "yolo_n_v8",
		},
		Detection: DetectionConfig{
			FrameStride: 1,
		},
		MaxUploadSize: 512 * 1024 * 1024,
		ChartWidth:    800,
		ChartHeight:   600,
		RateLimit:     10,
	}
}

// LoadConfig reads the JSON config file, and then applies environment overrides.
// If configFile is empty, then only the defaults and the environment are used.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	if configFile != "" {
		if cfgB, err := os.ReadFile(configFile); err != nil {
			return nil, err
		} else {
			if err := json.Unmarshal(cfgB, &cfg); err != nil {
				return nil, fmt.Errorf("Error parsing config file %v: %w", configFile, err)
			}
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Environment variables override the config file
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	str("CLASSPIE_LISTEN", &c.Listen)
	str("CLASSPIE_MODEL_DIR", &c.Model.Dir)
	str("CLASSPIE_MODEL_NAME", &c.Model.Name)
	str("CLASSPIE_MODEL_URL", &c.Model.DownloadURL)
	str("CLASSPIE_INFERENCE_URL", &c.Model.InferenceURL)
	str("CLASSPIE_TEMP_DIR", &c.TempDir)

	if v := getenv("CLASSPIE_MAX_UPLOAD"); v != "" {
		if err := c.MaxUploadSize.Set(v); err != nil {
			return fmt.Errorf("CLASSPIE_MAX_UPLOAD: %w", err)
		}
	}
	if v := getenv("CLASSPIE_FRAME_STRIDE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLASSPIE_FRAME_STRIDE: %w", err)
		}
		c.Detection.FrameStride = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.Model.InferenceURL == "" && c.Model.Name == "" {
		return errors.New("No model configured. Set either model.name or model.inferenceUrl")
	}
	if c.MaxUploadSize <= 0 {
		return errors.New("maxUploadSize must be positive")
	}
	if c.Detection.FrameStride < 0 || c.Detection.MaxFrames < 0 {
		return errors.New("frameStride and maxFrames may not be negative")
	}
	if c.ChartWidth <= 0 || c.ChartHeight <= 0 {
		return fmt.Errorf("Invalid chart size %v x %v", c.ChartWidth, c.ChartHeight)
	}
	return nil
}
