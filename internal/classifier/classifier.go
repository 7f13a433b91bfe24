// Package classifier calls the proof type classification model served
// behind a KServe v2 inference endpoint
package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"prices-service/internal/models"
)

// Client is a KServe v2 JSON inference client
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a classifier client for a model infer URL
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type inferTensor struct {
	Name     string          `json:"name"`
	Shape    []int           `json:"shape"`
	Datatype string          `json:"datatype"`
	Data     json.RawMessage `json:"data"`
}

type inferRequest struct {
	Inputs []inferTensor `json:"inputs"`
}

type inferResponse struct {
	Outputs []inferTensor `json:"outputs"`
}

// Classify sends the image at imagePath and returns labels ranked by
// descending score
func (c *Client) Classify(ctx context.Context, imagePath string) ([]models.LabelScore, error) {
	content, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("classifier: read image: %w", err)
	}

	data, err := json.Marshal([]string{base64.StdEncoding.EncodeToString(content)})
	if err != nil {
		return nil, fmt.Errorf("classifier: encode image: %w", err)
	}
	payload, err := json.Marshal(inferRequest{Inputs: []inferTensor{{
		Name:     "image",
		Shape:    []int{1},
		Datatype: "BYTES",
		Data:     data,
	}}})
	if err != nil {
		return nil, fmt.Errorf("classifier: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("classifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("classifier: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier: server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out inferResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("classifier: parse response: %w", err)
	}
	return parseOutputs(out.Outputs)
}

// parseOutputs zips the "labels" and "scores" output tensors
func parseOutputs(outputs []inferTensor) ([]models.LabelScore, error) {
	var labels []string
	var scores []float64
	for _, o := range outputs {
		switch o.Name {
		case "labels":
			if err := json.Unmarshal(o.Data, &labels); err != nil {
				return nil, fmt.Errorf("classifier: parse labels: %w", err)
			}
		case "scores":
			if err := json.Unmarshal(o.Data, &scores); err != nil {
				return nil, fmt.Errorf("classifier: parse scores: %w", err)
			}
		}
	}
	if len(labels) != len(scores) {
		return nil, fmt.Errorf("classifier: got %d labels and %d scores", len(labels), len(scores))
	}

	ranked := make([]models.LabelScore, len(labels))
	for i := range labels {
		ranked[i] = models.LabelScore{Label: labels[i], Score: scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, nil
}
