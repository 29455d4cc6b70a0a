package protocol

import "time"

// SpeakRequest asks a node to synthesize text. Replies stream back as
// SpeakChunk messages on the request's reply subject.
type SpeakRequest struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
}

// SpeakChunk carries one PCM buffer emitted by the synthesizer, as 16-bit
// little-endian mono samples. The last chunk of every request has Final set
// and carries no audio. Error is only set when the request never reached a
// loaded module; a module crash still ends in a plain final chunk.
type SpeakChunk struct {
	RequestID string `json:"request_id"`
	Sequence  int    `json:"sequence"`
	Wave      []byte `json:"wave,omitempty"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

// SpeakEvent summarizes a finished request for observers.
type SpeakEvent struct {
	RequestID  string        `json:"request_id"`
	NodeID     string        `json:"node_id"`
	Voice      string        `json:"voice"`
	Chunks     int           `json:"chunks"`
	Bytes      int           `json:"bytes"`
	Duration   time.Duration `json:"duration_ns"`
	HostState  string        `json:"host_state"`
	Error      string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

const (
	SubjectSpeakRequest = "tts.speak.request"
	SubjectSpeakEvent   = "tts.speak.event"
)
