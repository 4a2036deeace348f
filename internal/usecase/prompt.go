package usecase

import (
	"fmt"
	"strings"

	"github.com/example/miniminds/internal/inference"
)

const (
	noImageAnalysis = "No analysis for image."
	noVideoAnalysis = "No analysis for video."
)

// PredictionLines formats predictions one model per line.
func PredictionLines(result *inference.PredictionResult) string {
	if result == nil || len(result.Predictions) == 0 {
		return noImageAnalysis
	}
	lines := make([]string, 0, len(result.Predictions))
	for _, p := range result.Predictions {
		lines = append(lines, fmt.Sprintf("Model: %s, Class: %s, Confidence: %.2f", p.Label, p.Class, p.Confidence))
	}
	return strings.Join(lines, "\n")
}

// VideoLines joins the per-frame observations.
func VideoLines(analysis *inference.VideoAnalysis) string {
	if analysis == nil || len(analysis.Responses) == 0 {
		return noVideoAnalysis
	}
	return strings.Join(analysis.Responses, "\n")
}

// SynthesisPrompt composes the message sent to the chat endpoint.
func SynthesisPrompt(imageText, videoText string) string {
	var b strings.Builder
	b.WriteString("Analyze the provided responses to determine if the child is autistic. ")
	b.WriteString("Give the analysis process of each model, then a final prediction of Autistic or Non-Autistic.\n\n")
	b.WriteString("Image Analysis:\n")
	b.WriteString(imageText)
	b.WriteString("\n\nVideo Analysis:\n")
	b.WriteString(videoText)
	return b.String()
}
