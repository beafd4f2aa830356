package api

import (
	"encoding/json"
	"net/http"
)

// IntelligenceWebhook is the post-call analysis payload delivered by
// the conversational intelligence service.
type IntelligenceWebhook struct {
	TranscriptSID   string           `json:"transcript_sid"`
	ServiceSID      string           `json:"service_sid"`
	OperatorResults []OperatorResult `json:"operator_results"`
}

// OperatorResult is one analysis operator's output.
type OperatorResult struct {
	Name                 string          `json:"name"`
	OperatorType         string          `json:"operator_type"`
	PredictedLabel       string          `json:"predicted_label,omitempty"`
	PredictedProbability float64         `json:"predicted_probability,omitempty"`
	TextGenerationResult json.RawMessage `json:"text_generation_result,omitempty"`
}

const maxWebhookBody = 1 << 20

func (s *Server) handleIntelligence(w http.ResponseWriter, r *http.Request) {
	var payload IntelligenceWebhook
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.logger.Info("intelligence webhook received",
		"transcript_sid", payload.TranscriptSID,
		"service_sid", payload.ServiceSID,
		"operators", len(payload.OperatorResults),
	)
	for _, res := range payload.OperatorResults {
		s.logger.Info("operator result",
			"transcript_sid", payload.TranscriptSID,
			"operator", res.Name,
			"type", res.OperatorType,
			"label", res.PredictedLabel,
			"probability", res.PredictedProbability,
			"text", string(res.TextGenerationResult),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"received": true}, s.logger)
}
