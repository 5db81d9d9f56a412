package nnremote

// Package nnremote runs detection on a remote inference server (eg a small ultralytics
// wrapper on a GPU machine), instead of inside our own process.
//
// Protocol:
//   GET  /info     -> nn.ModelConfig as JSON
//   POST /predict  -> body is the raw video file. Response is newline delimited JSON,
//                     one FrameJSON per processed frame.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/classpie/pkg/nn"
	"github.com/cyclopcam/www"
)

// FrameJSON is one line of the /predict response stream
type FrameJSON struct {
	Frame      int         `json:"frame"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []nn.Record `json:"detections"`
	Error      string      `json:"error,omitempty"` // Set when the server fails halfway through a video
}

type Client struct {
	baseURL string
	client  *http.Client
	config  *nn.ModelConfig
}

// NewClient connects to the inference server and fetches its model config.
// Returns an error wrapping nn.ErrModelUnavailable if the server can't be reached.
func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: invalid URL %v: %v", nn.ErrModelUnavailable, baseURL, err)
	}
	req, err := http.NewRequest("GET", baseURL+"/info", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nn.ErrModelUnavailable, err)
	}
	config := &nn.ModelConfig{}
	if err := www.FetchJSON(req, config); err != nil {
		return nil, fmt.Errorf("%w: %v", nn.ErrModelUnavailable, err)
	}
	if len(config.Classes) == 0 {
		return nil, fmt.Errorf("%w: inference server at %v reports no classes", nn.ErrModelUnavailable, baseURL)
	}
	// No overall timeout, because a long video can take minutes. The request context bounds it.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 10 * time.Minute
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Transport: transport},
		config:  config,
	}, nil
}

func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

func (c *Client) Config() *nn.ModelConfig {
	return c.config
}

func (c *Client) Predict(ctx context.Context, videoPath string, params *nn.DetectionParams, onFrame func(frame *nn.FrameResult) error) error {
	p := params.WithDefaults()

	file, err := os.Open(videoPath)
	if err != nil {
		return fmt.Errorf("%w: %v", nn.ErrUnreadableVideo, err)
	}
	defer file.Close()
	st, err := file.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", nn.ErrUnreadableVideo, err)
	}

	q := url.Values{}
	q.Set("conf", strconv.FormatFloat(float64(p.ProbabilityThreshold), 'f', -1, 32))
	q.Set("iou", strconv.FormatFloat(float64(p.NmsIouThreshold), 'f', -1, 32))
	q.Set("stride", strconv.Itoa(p.FrameStride))
	if p.MaxFrames > 0 {
		q.Set("max", strconv.Itoa(p.MaxFrames))
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/predict?"+q.Encode(), file)
	if err != nil {
		return err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %v", nn.ErrUnreadableVideo, string(msg))
		case http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %v", nn.ErrModelUnavailable, string(msg))
		}
		return fmt.Errorf("Inference server error %v (%v)", resp.Status, string(msg))
	}

	decoder := json.NewDecoder(resp.Body)
	for {
		line := FrameJSON{}
		err := decoder.Decode(&line)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("Invalid response from inference server: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("Inference server failed at frame %v: %v", line.Frame, line.Error)
		}
		if err := onFrame(c.toFrameResult(&line)); err != nil {
			return err
		}
	}
}

// Names win over indices, because the server's class list might be a superset of ours.
// A name that we don't know becomes class -1.
func (c *Client) classIndex(rec *nn.Record) int {
	if rec.Name == "" {
		return rec.Class
	}
	for i, name := range c.config.Classes {
		if name == rec.Name {
			return i
		}
	}
	return -1
}

// Convert normalized records back into pixel space
func (c *Client) toFrameResult(line *FrameJSON) *nn.FrameResult {
	sx, sy := float32(1), float32(1)
	if line.Width > 0 && line.Height > 0 {
		sx = float32(line.Width)
		sy = float32(line.Height)
	}
	fr := &nn.FrameResult{
		Frame:       line.Frame,
		ImageWidth:  line.Width,
		ImageHeight: line.Height,
	}
	for i := range line.Detections {
		rec := &line.Detections[i]
		x1 := int(rec.Box.X1*sx + 0.5)
		y1 := int(rec.Box.Y1*sy + 0.5)
		x2 := int(rec.Box.X2*sx + 0.5)
		y2 := int(rec.Box.Y2*sy + 0.5)
		fr.Objects = append(fr.Objects, nn.ObjectDetection{
			Class:      c.classIndex(rec),
			Confidence: rec.Confidence,
			Box:        nn.Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1},
		})
	}
	return fr
}
