// Package ocr runs text annotation on proof images and stores the raw
// payload next to the image as <name>.json.gz.
package ocr

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"prices-service/internal/util"

	"go.uber.org/zap"
)

// SupportedExtensions are the image types sent to the annotator
var SupportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// Annotator returns one JSON response per annotated image
type Annotator interface {
	AnnotateImage(ctx context.Context, content []byte) ([]json.RawMessage, error)
}

// Payload is the content of an OCR side file
type Payload struct {
	Responses []json.RawMessage `json:"responses"`
	CreatedAt int64             `json:"created_at"`
}

// Runner annotates proof images through an Annotator
type Runner struct {
	annotator Annotator
	now       func() time.Time
	logger    *zap.Logger
}

// NewRunner creates a new OCR runner
func NewRunner(annotator Annotator) *Runner {
	return &Runner{
		annotator: annotator,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// OutputPath returns the side file path of an image
func OutputPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ".json.gz"
}

// FetchAndSave annotates the image at imagePath and writes the gzipped
// payload next to it. Unsupported extensions are skipped and report false.
func (r *Runner) FetchAndSave(ctx context.Context, imagePath string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "OCR.FetchAndSave")
	defer span.End()

	ext := strings.ToLower(filepath.Ext(imagePath))
	if !SupportedExtensions[ext] {
		r.logger.Debug("Skipping OCR for unsupported extension", zap.String("path", imagePath))
		return false, nil
	}

	content, err := os.ReadFile(imagePath)
	if err != nil {
		return false, fmt.Errorf("failed to read image: %w", err)
	}

	responses, err := r.annotator.AnnotateImage(ctx, content)
	if err != nil {
		return false, fmt.Errorf("failed to annotate image: %w", err)
	}

	payload := Payload{Responses: responses, CreatedAt: r.now().Unix()}
	if err := writeGzipJSON(OutputPath(imagePath), payload); err != nil {
		return false, err
	}

	r.logger.Info("OCR data saved", zap.String("path", OutputPath(imagePath)))
	return true, nil
}

func writeGzipJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create ocr file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		return fmt.Errorf("failed to write ocr file: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to write ocr file: %w", err)
	}
	return f.Close()
}
