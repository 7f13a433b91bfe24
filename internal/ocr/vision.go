package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/encoding/protojson"
)

// visionFeatures are requested for every proof image
var visionFeatures = []visionpb.Feature_Type{
	visionpb.Feature_TEXT_DETECTION,
	visionpb.Feature_LOGO_DETECTION,
	visionpb.Feature_LABEL_DETECTION,
	visionpb.Feature_SAFE_SEARCH_DETECTION,
	visionpb.Feature_FACE_DETECTION,
}

// VisionAnnotator annotates images with Google Cloud Vision
type VisionAnnotator struct {
	client  *vision.ImageAnnotatorClient
	timeout time.Duration
}

// ClientOptions builds credentials options. credentials may be a file path
// or an inline JSON document; empty means application default credentials.
func ClientOptions(credentials string) []option.ClientOption {
	credentials = strings.TrimSpace(credentials)
	if credentials == "" {
		return nil
	}
	if strings.HasPrefix(credentials, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(credentials))}
	}
	return []option.ClientOption{option.WithCredentialsFile(credentials)}
}

// NewVisionAnnotator creates a Cloud Vision client
func NewVisionAnnotator(ctx context.Context, opts ...option.ClientOption) (*VisionAnnotator, error) {
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionAnnotator{client: client, timeout: 60 * time.Second}, nil
}

// AnnotateImage sends one image and returns the raw annotate responses
func (v *VisionAnnotator) AnnotateImage(ctx context.Context, content []byte) ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	features := make([]*visionpb.Feature, 0, len(visionFeatures))
	for _, t := range visionFeatures {
		features = append(features, &visionpb.Feature{Type: t})
	}

	resp, err := v.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: content},
			Features: features,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}

	responses := make([]json.RawMessage, 0, len(resp.GetResponses()))
	for _, r := range resp.GetResponses() {
		if msg := r.GetError().GetMessage(); msg != "" {
			return nil, fmt.Errorf("vision annotate error: %s", msg)
		}
		raw, err := protojson.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode annotate response: %w", err)
		}
		responses = append(responses, raw)
	}
	return responses, nil
}

// Close closes the Vision client
func (v *VisionAnnotator) Close() error {
	return v.client.Close()
}
