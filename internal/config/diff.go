package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// QuestionsChanged is true when the question list differs. The new list
	// applies to the next interview; a running one keeps its questions.
	QuestionsChanged bool

	AnswerDurationChanged bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.QuestionsChanged || d.AnswerDurationChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Interview.Questions, new.Interview.Questions) {
		d.QuestionsChanged = true
	}
	if old.Interview.AnswerDuration != new.Interview.AnswerDuration {
		d.AnswerDurationChanged = true
	}
	return d
}
