package sse

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/events"
)

// Frame names
const (
	FrameConnected       = "connected"
	FrameHeartbeat       = "heartbeat"
	FrameSecurityEvent   = "security_event"
	FrameConnectionLimit = "connection_limit"
)

// Frame is one SSE message
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// Bytes formats the frame as
// event: <name>\nid: <id>\ndata: <json>\n\n
func (f Frame) Bytes() []byte {
	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(f.Event)
	b.WriteByte('\n')
	if f.ID != "" {
		b.WriteString("id: ")
		b.WriteString(f.ID)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(f.Data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// EventFrame wraps a security event. The SSE id is the event sequence
// number so Last-Event-ID resumes the stream.
func EventFrame(e events.Event) (Frame, error) {
	data, err := events.Marshal(e)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: FrameSecurityEvent, ID: strconv.FormatUint(e.Seq, 10), Data: data}, nil
}

func statusFrame(name, message string, at time.Time) Frame {
	data, _ := json.Marshal(struct {
		Message   string    `json:"message,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}{message, at.UTC()})
	return Frame{Event: name, Data: data}
}
