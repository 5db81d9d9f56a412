package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/classpie/pkg/nn"
	"github.com/cyclopcam/classpie/pkg/nnload"
	"github.com/cyclopcam/classpie/pkg/piechart"
	"github.com/cyclopcam/classpie/pkg/tally"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("predict", "Count the classes in a video, and draw a pie chart of them")
	input := parser.String("i", "input", &argparse.Options{Help: "Input video file", Default: ""})
	output := parser.String("o", "output", &argparse.Options{Help: "Output PNG file", Default: "distribution.png"})
	labelsFile := parser.String("", "labels", &argparse.Options{Help: "Also write the detections of every frame to this JSON file", Default: ""})
	recount := parser.String("", "recount", &argparse.Options{Help: "Count the classes in a JSON file written by --labels, instead of running the model", Default: ""})
	modelDir := parser.String("d", "modeldir", &argparse.Options{Help: "Directory of NN models", Default: "models"})
	modelName := parser.String("n", "model", &argparse.Options{Help: "NN model name", Default: "yolo_n_v8"})
	inferenceURL := parser.String("", "remote", &argparse.Options{Help: "Use a remote inference server instead of a local model", Default: ""})
	stride := parser.Int("s", "stride", &argparse.Options{Help: "Run the model on every Nth frame", Default: 1})
	threshold := parser.Float("t", "threshold", &argparse.Options{Help: "Minimum detection confidence", Default: nn.DefaultProbabilityThreshold})
	width := parser.Int("", "width", &argparse.Options{Help: "Chart width", Default: piechart.DefaultWidth})
	height := parser.Int("", "height", &argparse.Options{Help: "Chart height", Default: piechart.DefaultHeight})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	if *recount != "" {
		counts, err := recountLabels(*recount)
		check(err)
		printCounts(counts)
		check(writeChart(*output, counts, *width, *height))
		return
	}
	if *input == "" {
		fmt.Print(parser.Usage("Either --input or --recount is required"))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	model, err := nnload.LoadModel(logger, nnload.ModelSpec{
		Dir:          *modelDir,
		Name:         *modelName,
		InferenceURL: *inferenceURL,
	})
	check(err)
	defer model.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	labels := nn.VideoLabels{Classes: model.Config().Classes}
	params := nn.NewDetectionParams()
	params.FrameStride = *stride
	params.ProbabilityThreshold = float32(*threshold)
	options := &tally.Options{
		Params: params,
		OnRecord: func(frame int, record *nn.Record) {
			if record == nil {
				fmt.Printf("%6d: %v\n", frame, tally.NoDetection)
			} else {
				fmt.Printf("%6d: %v %.2f\n", frame, record.Name, record.Confidence)
			}
		},
	}
	if *labelsFile != "" {
		// Wrap the model so that we can see the raw frames as well as the top record
		model = &recordingPredictor{VideoPredictor: model, labels: &labels}
	}

	result, err := tally.Aggregate(ctx, model, *input, options)
	check(err)

	printCounts(result.Counts)
	fmt.Printf("%v frames, %v detections, %v ignored\n", result.Units, result.Detections, result.Ignored)
	check(writeChart(*output, result.Counts, *width, *height))

	if *labelsFile != "" {
		lf, err := os.Create(*labelsFile)
		check(err)
		defer lf.Close()
		encoder := json.NewEncoder(lf)
		encoder.SetIndent("", "  ")
		check(encoder.Encode(&labels))
	}
}

func printCounts(counts tally.ClassCounts) {
	for _, cat := range tally.Categories {
		fmt.Printf("%-12v %v\n", cat, counts.Get(cat))
	}
}

func writeChart(filename string, counts tally.ClassCounts, width, height int) error {
	fig, err := piechart.Render(counts)
	if err != nil {
		return err
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := piechart.EncodePNG(f, fig, width, height); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Tally the top label of every frame in a labels file
func recountLabels(filename string) (tally.ClassCounts, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return tally.ClassCounts{}, err
	}
	labels := nn.VideoLabels{}
	if err := json.Unmarshal(b, &labels); err != nil {
		return tally.ClassCounts{}, fmt.Errorf("Invalid labels file %v: %w", filename, err)
	}
	return tally.CountLabels(labels.TopLabels()), nil
}

// recordingPredictor saves every frame that has objects
type recordingPredictor struct {
	nn.VideoPredictor
	labels *nn.VideoLabels
}

func (r *recordingPredictor) Predict(ctx context.Context, videoPath string, params *nn.DetectionParams, onFrame func(frame *nn.FrameResult) error) error {
	return r.VideoPredictor.Predict(ctx, videoPath, params, func(frame *nn.FrameResult) error {
		r.labels.Add(frame)
		return onFrame(frame)
	})
}
