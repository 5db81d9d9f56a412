package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/classpie/pkg/kibi"
	"github.com/cyclopcam/classpie/pkg/nn"
	"github.com/cyclopcam/classpie/pkg/piechart"
	"github.com/cyclopcam/classpie/pkg/tally"
	"github.com/cyclopcam/classpie/server/metrics"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
	"github.com/mdobak/go-xerrors"
)

// Uploads bigger than this spill from memory to disk while parsing the multipart form
const maxUploadMemory = 32 * 1024 * 1024

type predictResponseJSON struct {
	Counts     tally.ClassCounts `json:"counts"`
	Units      int               `json:"units"`
	Detections int               `json:"detections"`
	Ignored    int               `json:"ignored"`
	Labels     []string          `json:"labels"` // Percentage label of each slice, in category order. Empty for zero slices.
	Chart      string            `json:"chart"`  // data:image/png;base64,...
}

type classJSON struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	ping := &pingJSON{
		Time: time.Now().Unix(),
	}
	www.SendJSON(w, ping)
}

// The categories that we count, in legend order
func (s *Server) httpClasses(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	classes := []classJSON{}
	for i, cat := range tally.Categories {
		classes = append(classes, classJSON{
			Name:  cat.String(),
			Color: piechart.DefaultStyle.Colors[i],
		})
	}
	www.SendJSON(w, classes)
}

func (s *Server) httpModelInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	model, err := s.model.Get()
	if err != nil {
		www.Panic(http.StatusServiceUnavailable, err.Error())
	}
	www.SendJSON(w, model.Config())
}

// Upload a video as the multipart form field "video", and get back the class counts and the pie chart.
// Add ?format=png to receive only the chart.
// Example: curl -F video=@clip.mp4 localhost:8080/api/predict?format=png > chart.png
func (s *Server) httpPredict(w http.ResponseWriter, r *http.Request) {
	maxSize := int64(s.Config.MaxUploadSize)
	if r.ContentLength > maxSize {
		www.PanicBadRequestf("Upload is too large: %v. Maximum size: %v", r.ContentLength, s.Config.MaxUploadSize)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		www.PanicBadRequestf("Invalid upload: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	upload, header, err := r.FormFile("video")
	if err != nil {
		www.PanicBadRequestf("Missing 'video' file: %v", err)
	}
	defer upload.Close()

	videoFile, err := s.saveUpload(upload, header.Filename)
	www.Check(err)
	defer os.Remove(videoFile)
	s.Log.Infof("Predicting from video %v (%v)", header.Filename, kibi.FormatBytes(header.Size))

	res, err := s.predict(r, videoFile)
	if err != nil {
		s.sendPredictError(w, header.Filename, err)
		return
	}

	renderStart := time.Now()
	fig, err := piechart.Render(res.Counts)
	www.Check(err)
	var png bytes.Buffer
	www.Check(piechart.EncodePNG(&png, fig, s.Config.ChartWidth, s.Config.ChartHeight))
	s.Metrics.Render.Time(renderStart)

	www.CacheNever(w)
	if www.QueryValue(r, "format") == "png" {
		w.Header().Set("Content-Type", "image/png")
		w.Write(png.Bytes())
		return
	}
	www.SendJSON(w, &predictResponseJSON{
		Counts:     res.Counts,
		Units:      res.Units,
		Detections: res.Detections,
		Ignored:    res.Ignored,
		Labels:     fig.Labels(),
		Chart:      "data:image/png;base64," + base64.StdEncoding.EncodeToString(png.Bytes()),
	})
}

// Re-draw a chart from counts that the client already has, without running the model.
// Body is a JSON object with all of the categories.
func (s *Server) httpChart(w http.ResponseWriter, r *http.Request) {
	counts := tally.ClassCounts{}
	www.ReadJSON(w, r, &counts, 64*1024)
	fig, err := piechart.Render(counts)
	if err != nil {
		www.PanicBadRequestf("%v", err)
	}
	width := s.Config.ChartWidth
	height := s.Config.ChartHeight
	if v := www.QueryInt(r, "width"); v > 0 {
		width = v
	}
	if v := www.QueryInt(r, "height"); v > 0 {
		height = v
	}
	var png bytes.Buffer
	if err := piechart.EncodePNG(&png, fig, width, height); err != nil {
		if errors.Is(err, piechart.ErrInvalidSize) {
			www.PanicBadRequestf("%v", err)
		}
		www.Check(err)
	}
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/png")
	w.Write(png.Bytes())
}

// Copy the upload into a temporary file, because the detection backends read from a path.
// The original extension is kept, because OpenCV uses it to pick a demuxer.
func (s *Server) saveUpload(upload io.Reader, originalName string) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	f, err := os.CreateTemp(s.Config.TempDir, "classpie-upload-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, upload); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Run the model over the video, and count the classes
func (s *Server) predict(r *http.Request, videoFile string) (*tally.Result, error) {
	model, err := s.model.Get()
	if err != nil {
		return nil, &tally.InferenceError{Reason: tally.ReasonModelUnavailable, Err: err}
	}
	start := time.Now()
	res, err := tally.Aggregate(r.Context(), model, videoFile, &tally.Options{
		Params: s.Config.Detection.Params(),
		OnRecord: func(frame int, record *nn.Record) {
			if record == nil {
				s.Log.Debugf("Frame %v: %v", frame, tally.NoDetection)
			} else {
				s.Log.Debugf("Frame %v: %v (%.2f)", frame, record.Name, record.Confidence)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	s.Metrics.ObservePrediction(res, elapsed)
	s.Log.Infof("Prediction done in %.1f seconds. %v units, %v detections, %v ignored. Counts: %v",
		elapsed.Seconds(), res.Units, res.Detections, res.Ignored, formatCounts(res.Counts))
	return res, nil
}

// No partial chart is ever sent. The whole request fails.
func (s *Server) sendPredictError(w http.ResponseWriter, videoName string, err error) {
	s.Log.Errorf("Prediction from %v failed. %v", videoName, errorDetails(err))

	ie := &tally.InferenceError{}
	if !errors.As(err, &ie) {
		s.Metrics.ObserveFailure(metrics.ResultFailed)
		www.SendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	switch ie.Reason {
	case tally.ReasonUnreadableInput:
		s.Metrics.ObserveFailure(metrics.ResultUnreadableInput)
		www.SendError(w, fmt.Sprintf("Unable to read video %v", videoName), http.StatusBadRequest)
	case tally.ReasonModelUnavailable:
		s.Metrics.ObserveFailure(metrics.ResultModelUnavailable)
		www.SendError(w, "The detection model is not available", http.StatusServiceUnavailable)
	default:
		s.Metrics.ObserveFailure(metrics.ResultFailed)
		www.SendError(w, "Prediction failed: "+ie.Error(), http.StatusInternalServerError)
	}
}

// errorDetails formats err along with the stack trace of the caller
func errorDetails(err error) string {
	return strings.TrimSpace(xerrors.Sprint(xerrors.New(err)))
}

func formatCounts(c tally.ClassCounts) string {
	parts := []string{}
	for _, cat := range tally.Categories {
		parts = append(parts, fmt.Sprintf("%v=%v", cat, c.Get(cat)))
	}
	return strings.Join(parts, " ")
}
