package interview

import (
	"github.com/MrWong99/interviewkit/internal/nonverbal"
	"github.com/MrWong99/interviewkit/internal/speech"
)

// Completion reasons.
const (
	ReasonCompleted = "completed"
	ReasonEnded     = "ended"
)

// Answer is one recorded answer.
type Answer struct {
	QuestionID      string `json:"question_id"`
	Question        string `json:"question"`
	RawTranscript   string `json:"raw_transcript"`
	CleanTranscript string `json:"clean_transcript,omitempty"`
	WordCount       int    `json:"word_count,omitempty"`
}

// Result is handed to whatever renders the outcome of an interview. A nil
// analysis means the backend could not produce one.
type Result struct {
	SessionID  string              `json:"session_id"`
	Reason     string              `json:"reason"`
	Questions  int                 `json:"questions"`
	Answers    []Answer            `json:"answers"`
	Verbal     *speech.Analysis    `json:"verbal,omitempty"`
	NonVerbal  *nonverbal.Analysis `json:"non_verbal,omitempty"`
	FramesSent int64               `json:"frames_sent"`
}
