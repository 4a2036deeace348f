package inference

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// VideoSchemaV1 names the canonical analyze_video response: {"responses": [...]}.
const VideoSchemaV1 = "analyze_video/v1"

// Prediction is one model's verdict with confidence in [0, 100].
type Prediction struct {
	Label      string  `json:"label"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// PredictionResult is the normalized predict response.
type PredictionResult struct {
	Filename    string       `json:"filename"`
	Predictions []Prediction `json:"predictions"`
}

// VideoAnalysis holds per-frame observations returned by analyze_video.
type VideoAnalysis struct {
	Schema    string   `json:"schema"`
	Responses []string `json:"responses"`
}

// ChatRequest is the synthesis call payload.
type ChatRequest struct {
	Message string `json:"message"`
	Image   string `json:"image,omitempty"`
	Video   string `json:"video,omitempty"`
}

// ChatResponse is the synthesis verdict.
type ChatResponse struct {
	Response string `json:"response"`
}

type wirePrediction struct {
	Label      string   `json:"label"`
	Model      string   `json:"model"`
	Class      *string  `json:"class"`
	Confidence *float64 `json:"confidence"`
}

// predictionsField decodes the predictions union: either an array of
// {label|model, class, confidence} or an object keyed by model name.
// Map entries keep document order.
type predictionsField struct {
	items []Prediction
}

func (p *predictionsField) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errors.New("predictions is null")
	}

	switch trimmed[0] {
	case '[':
		var wire []wirePrediction
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return fmt.Errorf("predictions array: %w", err)
		}
		items := make([]Prediction, 0, len(wire))
		for i, w := range wire {
			label := w.Label
			if label == "" {
				label = w.Model
			}
			pred, err := w.normalize(label)
			if err != nil {
				return fmt.Errorf("predictions[%d]: %w", i, err)
			}
			items = append(items, pred)
		}
		p.items = items
		return nil
	case '{':
		items, err := decodeOrderedMap(trimmed)
		if err != nil {
			return err
		}
		p.items = items
		return nil
	}
	return fmt.Errorf("predictions must be an array or object, got %q", string(trimmed[:1]))
}

func decodeOrderedMap(data []byte) ([]Prediction, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("predictions object: %w", err)
	}

	var items []Prediction
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("predictions object: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("predictions object: unexpected key %v", tok)
		}
		var w wirePrediction
		if err := dec.Decode(&w); err != nil {
			return nil, fmt.Errorf("predictions[%q]: %w", key, err)
		}
		pred, err := w.normalize(key)
		if err != nil {
			return nil, fmt.Errorf("predictions[%q]: %w", key, err)
		}
		items = append(items, pred)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("predictions object: %w", err)
	}
	return items, nil
}

func (w wirePrediction) normalize(label string) (Prediction, error) {
	if label == "" {
		return Prediction{}, errors.New("missing label")
	}
	if w.Class == nil {
		return Prediction{}, errors.New("missing class")
	}
	if w.Confidence == nil {
		return Prediction{}, errors.New("missing confidence")
	}
	if *w.Confidence < 0 || *w.Confidence > 100 {
		return Prediction{}, fmt.Errorf("confidence %v outside [0, 100]", *w.Confidence)
	}
	return Prediction{Label: label, Class: *w.Class, Confidence: *w.Confidence}, nil
}

type predictResponse struct {
	Filename    *string           `json:"filename"`
	Predictions *predictionsField `json:"predictions"`
}

type videoResponse struct {
	Responses *[]string `json:"responses"`
}

type chatResponse struct {
	Response *string `json:"response"`
}

// DecodePredictResult parses a predict body into the canonical shape.
func DecodePredictResult(body []byte) (*PredictionResult, error) {
	var resp predictResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Filename == nil {
		return nil, errors.New("missing filename")
	}
	if resp.Predictions == nil {
		return nil, errors.New("missing predictions")
	}
	if len(resp.Predictions.items) == 0 {
		return nil, errors.New("no predictions returned")
	}
	return &PredictionResult{Filename: *resp.Filename, Predictions: resp.Predictions.items}, nil
}

// DecodeVideoAnalysis parses an analyze_video body in VideoSchemaV1.
func DecodeVideoAnalysis(body []byte) (*VideoAnalysis, error) {
	var resp videoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Responses == nil {
		return nil, errors.New("missing responses")
	}
	return &VideoAnalysis{Schema: VideoSchemaV1, Responses: *resp.Responses}, nil
}

// DecodeChatResponse parses an api/chat body.
func DecodeChatResponse(body []byte) (*ChatResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.Response == nil {
		return nil, errors.New("missing response")
	}
	return &ChatResponse{Response: *resp.Response}, nil
}
