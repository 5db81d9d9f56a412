package nnload

// Package nnload has concrete references to our detection backends (gocv and the remote
// inference server), so that you can just call one function to load a model, and not
// need to know about the implementation details.

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cyclopcam/classpie/pkg/nn"
	"github.com/cyclopcam/classpie/pkg/nnremote"
	"github.com/cyclopcam/classpie/pkg/ocvnn"
	"github.com/cyclopcam/logs"
)

// ModelSpec says where to find a model.
// If InferenceURL is set, then everything else is ignored, and we use the remote server.
type ModelSpec struct {
	Dir          string `json:"dir"`          // eg "models"
	Name         string `json:"name"`         // eg "yolo_n_v8". We expect Dir/Name.onnx and Dir/Name.json
	DownloadURL  string `json:"downloadUrl"`  // If not empty, missing model files are downloaded from DownloadURL/Name.onnx etc
	InferenceURL string `json:"inferenceUrl"` // eg "http://gpu-box:8000"
}

func (s ModelSpec) String() string {
	if s.InferenceURL != "" {
		return s.InferenceURL
	}
	return filepath.Join(s.Dir, s.Name)
}

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		os.Remove(tempFile)
		return err
	}
	file.Close()
	return os.Rename(tempFile, targetFile)
}

// If the model files are not yet downloaded, then download them now.
// Returns immediately if the files are already on disk, or if spec has no DownloadURL.
func DownloadModel(logs logs.Log, spec ModelSpec) error {
	if spec.DownloadURL == "" {
		return nil
	}
	baseUrl := strings.TrimRight(spec.DownloadURL, "/")
	for _, ext := range []string{".json", ".onnx"} {
		diskPath := filepath.Join(spec.Dir, spec.Name+ext)
		networkUrl := baseUrl + "/" + spec.Name + ext
		if _, err := os.Stat(diskPath); os.IsNotExist(err) {
			logs.Infof("Downloading %v to %v", networkUrl, diskPath)
			if err := downloadFile(networkUrl, diskPath); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

// LoadModel loads a detection model.
// All failures wrap nn.ErrModelUnavailable.
func LoadModel(logs logs.Log, spec ModelSpec) (nn.VideoPredictor, error) {
	if spec.InferenceURL != "" {
		logs.Infof("Using remote inference server %v", spec.InferenceURL)
		client, err := nnremote.NewClient(spec.InferenceURL)
		if err != nil {
			return nil, err
		}
		logs.Infof("Remote model has %v classes: %v", len(client.Config().Classes), strings.Join(client.Config().Classes, ", "))
		return client, nil
	}

	if spec.Name == "" {
		return nil, fmt.Errorf("%w: no model name specified", nn.ErrModelUnavailable)
	}

	if err := DownloadModel(logs, spec); err != nil {
		return nil, fmt.Errorf("%w: download failed: %v", nn.ErrModelUnavailable, err)
	}

	fullPathBase := filepath.Join(spec.Dir, spec.Name)
	config, err := nn.LoadModelConfig(fullPathBase + ".json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nn.ErrModelUnavailable, err)
	}

	if _, err := os.Stat(fullPathBase + ".onnx"); err != nil {
		return nil, fmt.Errorf("%w: unrecognized NN model type %v", nn.ErrModelUnavailable, fullPathBase)
	}
	logs.Infof("Loading %v model %v (%v x %v, %v classes)", config.Architecture, fullPathBase+".onnx", config.Width, config.Height, len(config.Classes))
	detector, err := ocvnn.NewDetector(config, fullPathBase+".onnx")
	if err != nil {
		return nil, err
	}
	return detector, nil
}

// Handle owns a model that is loaded at most once, and then shared read-only by all callers.
// Loading is lazy, so that the first Get() pays the price, unless the owner calls Get() at startup.
type Handle struct {
	load func() (nn.VideoPredictor, error)

	once      sync.Once
	lock      sync.Mutex
	predictor nn.VideoPredictor
	err       error
	closed    bool
}

// NewHandle creates a handle that will call load on the first Get()
func NewHandle(load func() (nn.VideoPredictor, error)) *Handle {
	return &Handle{
		load: load,
	}
}

// NewModelHandle creates a handle that loads spec with LoadModel
func NewModelHandle(logs logs.Log, spec ModelSpec) *Handle {
	return NewHandle(func() (nn.VideoPredictor, error) {
		return LoadModel(logs, spec)
	})
}

// Get returns the loaded model.
// A load failure is remembered, and returned by every subsequent call. We don't retry.
func (h *Handle) Get() (nn.VideoPredictor, error) {
	h.once.Do(func() {
		p, err := h.load()
		h.lock.Lock()
		defer h.lock.Unlock()
		if h.closed && p != nil {
			p.Close()
			p = nil
			err = fmt.Errorf("%w: model handle is closed", nn.ErrModelUnavailable)
		}
		h.predictor, h.err = p, err
	})
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return nil, fmt.Errorf("%w: model handle is closed", nn.ErrModelUnavailable)
	}
	return h.predictor, h.err
}

// Close releases the model, if it was loaded
func (h *Handle) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.closed = true
	if h.predictor != nil {
		h.predictor.Close()
		h.predictor = nil
	}
}
