package protocol

import "time"

// WakeEvent is published once per wake word detection.
type WakeEvent struct {
	NodeID       string    `json:"node_id"`
	SessionID    string    `json:"session_id"`
	Keyword      string    `json:"keyword"`
	KeywordIndex int       `json:"keyword_index"`
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	NodeID     string    `json:"node_id"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// ListenerStatus is published on every state transition and as a heartbeat.
type ListenerStatus struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state"`
	Available bool      `json:"available"`
	SessionID string    `json:"session_id,omitempty"`
	Keyword   string    `json:"keyword,omitempty"`
	Error     string    `json:"error,omitempty"`
	Restarts  int       `json:"restarts"`
	Frames    uint64    `json:"frames"`
	Overflows uint64    `json:"overflows"`
	Wakes     uint64    `json:"wakes"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlRequest is the payload of a voice.ctrl.* request.
type ControlRequest struct {
	NodeID string `json:"node_id,omitempty"`
}

// ControlReply answers a voice.ctrl.* request.
type ControlReply struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status ListenerStatus `json:"status"`
}

const (
	SubjectWake            = "voice.wake"
	SubjectStatusPrefix    = "voice.status"
	SubjectControlStart    = "voice.ctrl.start"
	SubjectControlStop     = "voice.ctrl.stop"
	SubjectControlStatus   = "voice.ctrl.status"
	SubjectTranscriptFinal = "stt.text.final"
)

// StatusSubject returns the status subject for a node.
func StatusSubject(nodeID string) string {
	return SubjectStatusPrefix + "." + nodeID
}
