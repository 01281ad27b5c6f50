package speech

import (
	"encoding/json"
	"strings"
)

// message is one inbound frame from the speech socket. Every field is
// optional; frames with neither partial nor final are heartbeats.
type message struct {
	Partial *string         `json:"partial"`
	Final   *string         `json:"final"`
	Metrics json.RawMessage `json:"metrics"`
}

// parseMessage decodes a socket frame. It returns false for anything that is
// not a JSON object.
func parseMessage(data []byte) (message, bool) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return message{}, false
	}
	return m, true
}

// transcript holds the live and confirmed text of one answer.
//
// live is replaced wholesale by each non-empty partial. final only grows:
// each confirmed segment is appended with a separating space.
type transcript struct {
	live  string
	final string
}

// apply merges m into t and reports which kinds of update it carried.
func (t *transcript) apply(m message) (partial, final bool) {
	if m.Partial != nil && *m.Partial != "" {
		t.live = *m.Partial
		partial = true
	}
	if m.Final != nil && *m.Final != "" {
		t.final = strings.TrimSpace(t.final + " " + *m.Final)
		t.live = ""
		final = true
	}
	return partial, final
}
