package nonverbal

import "encoding/json"

// Session statuses reported by the backend.
const (
	wireActive           = "active"
	wireInsufficientData = "insufficient_data"
	wireCancelled        = "cancelled"
	wireFrameSkipped     = "frame_skipped"
)

// Scores are the backend's non-verbal scores on [0, 100]. A nil field has
// not been computed yet.
type Scores struct {
	EyeContact          *float64 `json:"eye_contact"`
	FacialExpression    *float64 `json:"facial_expression"`
	Posture             *float64 `json:"posture"`
	Stability           *float64 `json:"stability"`
	FinalNonVerbalScore *float64 `json:"final_non_verbal_score"`
}

// message is one inbound frame from the non-verbal socket. Per-frame results
// carry SessionStatus; undecodable-frame replies carry Status "error".
type message struct {
	SessionStatus      string   `json:"session_status"`
	Scores             *Scores  `json:"non_verbal_scores"`
	Insights           []string `json:"insights"`
	Reason             string   `json:"reason"`
	SkipReason         string   `json:"skip_reason"`
	CancellationReason string   `json:"cancellation_reason"`

	Status  string `json:"status"`
	Message string `json:"message"`
}

func parseMessage(data []byte) (message, bool) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return message{}, false
	}
	return m, true
}
