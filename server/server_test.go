package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cyclopcam/classpie/pkg/nn"
	"github.com/cyclopcam/classpie/pkg/nn/nntest"
	"github.com/cyclopcam/classpie/pkg/nnload"
	"github.com/cyclopcam/classpie/pkg/tally"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

var modelClasses = append(tally.CategoryNames(), "unknown_class")

type testServer struct {
	*Server
	http *httptest.Server
}

func newTestServer(t *testing.T, cfg *Config, load func() (nn.VideoPredictor, error)) *testServer {
	if cfg == nil {
		c := DefaultConfig()
		c.RateLimit = 0
		cfg = &c
	}
	cfg.TempDir = t.TempDir()
	s, err := NewServer(logs.NewTestingLog(t), cfg, nnload.NewHandle(load))
	require.NoError(t, err)
	ts := &testServer{
		Server: s,
		http:   httptest.NewServer(s.httpRouter),
	}
	t.Cleanup(func() {
		ts.http.Close()
		s.model.Close()
	})
	return ts
}

func withFake(fake *nntest.FakePredictor) func() (nn.VideoPredictor, error) {
	return func() (nn.VideoPredictor, error) {
		return fake, nil
	}
}

func (ts *testServer) upload(t *testing.T, query string, field string, content []byte) *http.Response {
	body := bytes.Buffer{}
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "clip.mp4")
	require.NoError(t, err)
	fw.Write(content)
	require.NoError(t, mw.Close())
	resp, err := http.Post(ts.http.URL+"/api/predict"+query, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func requireNoUploadsLeft(t *testing.T, ts *testServer) {
	files, err := os.ReadDir(ts.Config.TempDir)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestPredict(t *testing.T) {
	fake := nntest.NewFakePredictor(modelClasses, "ulnua", "", "ulnua", "unknown_class", "ulnua_krank", "ulnua")
	ts := newTestServer(t, nil, withFake(fake))

	resp := ts.upload(t, "", "video", []byte("not really a video"))
	body := readBody(t, resp)
	require.Equal(t, 200, resp.StatusCode, string(body))

	result := predictResponseJSON{}
	require.NoError(t, json.Unmarshal(body, &result))
	require.Equal(t, 3, result.Counts.Get(tally.Ulnua))
	require.Equal(t, 1, result.Counts.Get(tally.UlnuaKrank))
	require.Equal(t, 4, result.Counts.Total())
	require.Equal(t, 6, result.Units)
	require.Equal(t, 5, result.Detections)
	require.Equal(t, 1, result.Ignored)
	require.Equal(t, []string{"25.0%", "", "", "", "75.0%", "", "", ""}, result.Labels)

	require.True(t, strings.HasPrefix(result.Chart, "data:image/png;base64,"))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(result.Chart, "data:image/png;base64,"))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, ts.Config.ChartWidth, img.Bounds().Dx())

	requireNoUploadsLeft(t, ts)
}

func TestPredictPNG(t *testing.T) {
	fake := nntest.NewFakePredictor(modelClasses, "medoa")
	ts := newTestServer(t, nil, withFake(fake))
	resp := ts.upload(t, "?format=png", "video", []byte("x"))
	body := readBody(t, resp)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	_, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
}

func TestPredictNoDetections(t *testing.T) {
	fake := nntest.NewFakePredictor(modelClasses, "", "")
	ts := newTestServer(t, nil, withFake(fake))
	resp := ts.upload(t, "", "video", []byte("x"))
	body := readBody(t, resp)
	require.Equal(t, 200, resp.StatusCode)
	result := predictResponseJSON{}
	require.NoError(t, json.Unmarshal(body, &result))
	require.Equal(t, 0, result.Counts.Total())
	require.Equal(t, make([]string, tally.NumCategories), result.Labels)
}

func TestPredictErrors(t *testing.T) {
	cases := []struct {
		name   string
		load   func() (nn.VideoPredictor, error)
		status int
		result string
	}{
		{
			name: "unreadable",
			load: func() (nn.VideoPredictor, error) {
				fake := nntest.NewFakePredictor(modelClasses, "medua")
				fake.Err = fmt.Errorf("%w: no video stream", nn.ErrUnreadableVideo)
				return fake, nil
			},
			status: 400,
			result: "unreadable_input",
		},
		{
			name: "model missing",
			load: func() (nn.VideoPredictor, error) {
				return nil, fmt.Errorf("%w: models/yolo_n_v8.onnx not found", nn.ErrModelUnavailable)
			},
			status: 503,
			result: "model_unavailable",
		},
		{
			name: "failed halfway",
			load: func() (nn.VideoPredictor, error) {
				fake := nntest.NewFakePredictor(modelClasses, "medua", "medua", "medua")
				fake.Err = errors.New("decoder crashed")
				fake.FailAt = 2
				return fake, nil
			},
			status: 500,
			result: "failed",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ts := newTestServer(t, nil, c.load)
			resp := ts.upload(t, "", "video", []byte("x"))
			body := readBody(t, resp)
			require.Equal(t, c.status, resp.StatusCode, string(body))
			// Never a partial chart
			require.NotContains(t, string(body), "data:image/png")
			requireNoUploadsLeft(t, ts)

			metricsResp, err := http.Get(ts.http.URL + "/metrics")
			require.NoError(t, err)
			require.Contains(t, string(readBody(t, metricsResp)), fmt.Sprintf(`classpie_predictions_total{result="%v"} 1`, c.result))
		})
	}
}

func TestPredictBadUpload(t *testing.T) {
	fake := nntest.NewFakePredictor(modelClasses, "medua")
	ts := newTestServer(t, nil, withFake(fake))

	// Wrong field name
	resp := ts.upload(t, "", "file", []byte("x"))
	readBody(t, resp)
	require.Equal(t, 400, resp.StatusCode)

	// Not multipart at all
	resp, err := http.Post(ts.http.URL+"/api/predict", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, int32(0), fake.Calls.Load())

	// Too large
	ts.Config.MaxUploadSize = 100
	resp = ts.upload(t, "", "video", bytes.Repeat([]byte("x"), 1000))
	readBody(t, resp)
	require.Equal(t, 400, resp.StatusCode)
}

func TestModelLoadedOnce(t *testing.T) {
	fake := nntest.NewFakePredictor(modelClasses, "medua")
	nLoads := 0
	ts := newTestServer(t, nil, func() (nn.VideoPredictor, error) {
		nLoads++
		return fake, nil
	})
	require.NoError(t, ts.LoadModel())
	for i := 0; i < 3; i++ {
		resp := ts.upload(t, "", "video", []byte("x"))
		readBody(t, resp)
		require.Equal(t, 200, resp.StatusCode)
	}
	require.Equal(t, 1, nLoads)
	require.Equal(t, int32(3), fake.Calls.Load())
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	ts := newTestServer(t, &cfg, withFake(nntest.NewFakePredictor(modelClasses, "medua")))
	resp := ts.upload(t, "", "video", []byte("x"))
	readBody(t, resp)
	require.Equal(t, 200, resp.StatusCode)
	resp = ts.upload(t, "", "video", []byte("x"))
	readBody(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestChart(t *testing.T) {
	ts := newTestServer(t, nil, withFake(nntest.NewFakePredictor(modelClasses)))

	post := func(body string, query string) *http.Response {
		resp, err := http.Post(ts.http.URL+"/api/chart"+query, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	full := `{"ulnua":3,"ulnoa":0,"medua":0,"medoa":0,"ulnua_krank":1,"ulnoa_krank":0,"medua_krank":0,"medoa_krank":0}`
	resp := post(full, "?width=320&height=240")
	body := readBody(t, resp)
	require.Equal(t, 200, resp.StatusCode, string(body))
	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 320, img.Bounds().Dx())
	require.Equal(t, 240, img.Bounds().Dy())

	// Partial counts
	resp = post(`{"ulnua":3}`, "")
	require.Contains(t, string(readBody(t, resp)), "missing category")
	require.Equal(t, 400, resp.StatusCode)

	// Negative counts
	resp = post(strings.Replace(full, `"ulnua":3`, `"ulnua":-3`, 1), "")
	readBody(t, resp)
	require.Equal(t, 400, resp.StatusCode)

	// Not a number
	resp = post(strings.Replace(full, `"ulnua":3`, `"ulnua":"three"`, 1), "")
	readBody(t, resp)
	require.Equal(t, 400, resp.StatusCode)
}

func TestClassesAndPing(t *testing.T) {
	ts := newTestServer(t, nil, withFake(nntest.NewFakePredictor(modelClasses)))

	resp, err := http.Get(ts.http.URL + "/api/classes")
	require.NoError(t, err)
	classes := []classJSON{}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &classes))
	require.Len(t, classes, tally.NumCategories)
	require.Equal(t, classJSON{Name: "ulnua_krank", Color: "#ff9999"}, classes[0])
	require.Equal(t, classJSON{Name: "medoa", Color: "#c5c3c6"}, classes[7])

	resp, err = http.Get(ts.http.URL + "/api/ping")
	require.NoError(t, err)
	require.Contains(t, string(readBody(t, resp)), `"time"`)

	resp, err = http.Get(ts.http.URL + "/api/model")
	require.NoError(t, err)
	cfg := nn.ModelConfig{}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &cfg))
	require.Equal(t, modelClasses, cfg.Classes)
}

func TestConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "classpie.json")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`{
		"listen": ":9000",
		"model": {"dir": "/opt/models", "name": "bones_v2"},
		"maxUploadSize": "64mb",
		"detection": {"probabilityThreshold": 0.4}
	}`), 0644))

	cfg, err := LoadConfig(cfgFile)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "bones_v2", cfg.Model.Name)
	require.EqualValues(t, 64*1024*1024, cfg.MaxUploadSize)
	require.Equal(t, 800, cfg.ChartWidth)
	params := cfg.Detection.Params()
	require.Equal(t, float32(0.4), params.ProbabilityThreshold)
	require.Equal(t, float32(nn.DefaultNmsIouThreshold), params.NmsIouThreshold)

	env := map[string]string{
		"CLASSPIE_LISTEN":        ":7000",
		"CLASSPIE_INFERENCE_URL": "http://gpu:8000",
		"CLASSPIE_MAX_UPLOAD":    "1 gb",
		"CLASSPIE_FRAME_STRIDE":  "5",
	}
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))
	require.Equal(t, ":7000", cfg.Listen)
	require.Equal(t, "http://gpu:8000", cfg.Model.InferenceURL)
	require.Equal(t, "/opt/models", cfg.Model.Dir)
	require.EqualValues(t, 1024*1024*1024, cfg.MaxUploadSize)
	require.Equal(t, 5, cfg.Detection.Params().FrameStride)

	env["CLASSPIE_FRAME_STRIDE"] = "every"
	require.Error(t, cfg.applyEnv(func(k string) string { return env[k] }))

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(cfgFile, []byte(`{"model": {"name": ""}}`), 0644))
	_, err = LoadConfig(cfgFile)
	require.ErrorContains(t, err, "No model configured")
}

func TestErrorDetails(t *testing.T) {
	plain := errors.New("decoder crashed")
	details := errorDetails(plain)
	require.NotEqual(t, fmt.Sprintf("%v", plain), details)
	require.True(t, strings.HasPrefix(details, "Error: decoder crashed\n"), details)
	require.Contains(t, details, "server.errorDetails")
	require.Contains(t, details, "apiPredict.go:")
}
