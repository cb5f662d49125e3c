// Package events turns backend JSON notifications (websocket text frames) into
// session document mutations.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/sessync/internal/doc"
	"github.com/danmuck/sessync/internal/registry"
)

var (
	ErrDecodeEvent = errors.New("events: cannot decode event")
	ErrUnknownType = errors.New("events: unknown event type")
)

const (
	TypeConnected              = "connected"
	TypeTranscriptionStarted   = "transcription_started"
	TypeProgressUpdate         = "progress_update"
	TypeTranscriptionCompleted = "transcription_completed"
	TypeTranscriptionFailed    = "transcription_failed"
	TypeFileUploaded           = "file_uploaded"
	TypeDeviceStats            = "device_stats"
	TypePing                   = "ping"
	TypePong                   = "pong"
	TypeSubscribed             = "subscribed"
)

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Result struct {
	Text             string    `json:"text"`
	Segments         []Segment `json:"segments"`
	LanguageDetected string    `json:"language_detected"`
}

// Event is the union of backend notification fields.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	// Timestamp is unix ms when present.
	Timestamp       int64  `json:"timestamp"`
	ClientTimestamp *int64 `json:"client_timestamp"`

	TaskID                 string   `json:"task_id"`
	Status                 string   `json:"status"`
	Progress               *float64 `json:"progress"`
	CurrentStep            string   `json:"current_step"`
	EstimatedTimeRemaining *float64 `json:"estimated_time_remaining"`
	Result                 *Result  `json:"result"`
	Error                  string   `json:"error"`

	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Path     string `json:"path"`
}

func Parse(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecodeEvent, err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrDecodeEvent)
	}
	return ev, nil
}

// Mutation edits a document draft.
type Mutation func(d *doc.SessionDocument) error

// Translator maps events to mutations on behalf of one device.
type Translator struct {
	DeviceID string
	Now      func() time.Time
}

func NewTranslator(deviceID string) *Translator {
	return &Translator{DeviceID: deviceID, Now: time.Now}
}

// Translate returns the mutation for ev. Keepalive and informational events
// return a nil mutation; unknown types return ErrUnknownType.
func (t *Translator) Translate(ev Event) (Mutation, error) {
	switch ev.Type {
	case TypeConnected:
		return t.touchSelf(), nil
	case TypeTranscriptionStarted:
		return t.started(ev), nil
	case TypeProgressUpdate:
		return t.progress(ev), nil
	case TypeTranscriptionCompleted:
		return t.completed(ev), nil
	case TypeTranscriptionFailed:
		return t.failed(ev), nil
	case TypeFileUploaded:
		return t.fileUploaded(ev), nil
	case TypeDeviceStats, TypePing, TypePong, TypeSubscribed:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
}

func (t *Translator) stamp(ev Event) int64 {
	if ev.Timestamp > 0 {
		return ev.Timestamp
	}
	return t.Now().UnixMilli()
}

func (t *Translator) touchSelf() Mutation {
	return func(d *doc.SessionDocument) error {
		registry.Touch(d, t.DeviceID, t.Now())
		return nil
	}
}

func (t *Translator) started(ev Event) Mutation {
	return func(d *doc.SessionDocument) error {
		tr := &d.Transcription
		tr.TaskID = ev.TaskID
		tr.Status = doc.StatusProcessing
		tr.Progress = 0
		tr.CurrentStep = "Queued"
		tr.EstimatedTimeRemaining = nil
		tr.StartedAt = t.stamp(ev)
		tr.CompletedAt = 0
		tr.Error = ""
		tr.Result = nil
		if ev.Filename != "" {
			d.File = remoteFile(ev)
		}
		return nil
	}
}

func (t *Translator) progress(ev Event) Mutation {
	return func(d *doc.SessionDocument) error {
		tr := &d.Transcription
		if ev.TaskID != "" {
			tr.TaskID = ev.TaskID
		}
		if status, ok := mapStatus(ev.Status); ok {
			tr.Status = status
		}
		if ev.Progress != nil {
			tr.Progress = *ev.Progress
		}
		if ev.CurrentStep != "" {
			tr.CurrentStep = ev.CurrentStep
		}
		tr.EstimatedTimeRemaining = ev.EstimatedTimeRemaining
		switch tr.Status {
		case doc.StatusCompleted:
			if tr.CompletedAt == 0 {
				tr.CompletedAt = t.stamp(ev)
			}
		case doc.StatusFailed:
			if ev.Error != "" {
				tr.Error = ev.Error
			}
		}
		return nil
	}
}

func (t *Translator) completed(ev Event) Mutation {
	return func(d *doc.SessionDocument) error {
		tr := &d.Transcription
		if ev.TaskID != "" {
			tr.TaskID = ev.TaskID
		}
		tr.Status = doc.StatusCompleted
		tr.Progress = 100
		tr.CurrentStep = "Transcription complete"
		tr.EstimatedTimeRemaining = nil
		tr.CompletedAt = t.stamp(ev)
		tr.Error = ""
		if ev.Result != nil {
			res := &doc.TranscriptionResult{
				Text:             ev.Result.Text,
				LanguageDetected: ev.Result.LanguageDetected,
				Segments:         make([]doc.Segment, 0, len(ev.Result.Segments)),
			}
			for _, s := range ev.Result.Segments {
				res.Segments = append(res.Segments, doc.Segment{Start: s.Start, End: s.End, Text: s.Text})
			}
			tr.Result = res
		}
		return nil
	}
}

func (t *Translator) failed(ev Event) Mutation {
	return func(d *doc.SessionDocument) error {
		tr := &d.Transcription
		if ev.TaskID != "" {
			tr.TaskID = ev.TaskID
		}
		tr.Status = doc.StatusFailed
		tr.EstimatedTimeRemaining = nil
		tr.Error = ev.Error
		if tr.Error == "" {
			tr.Error = "transcription failed"
		}
		return nil
	}
}

func (t *Translator) fileUploaded(ev Event) Mutation {
	return func(d *doc.SessionDocument) error {
		d.File = remoteFile(ev)
		if d.Transcription.Status == doc.StatusUploading {
			d.Transcription.Status = doc.StatusIdle
		}
		return nil
	}
}

func remoteFile(ev Event) *doc.FileSource {
	mime := ev.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return &doc.FileSource{
		Kind:     doc.SourceRemote,
		Name:     ev.Filename,
		Size:     ev.Size,
		MimeType: mime,
		Path:     ev.Path,
	}
}

func mapStatus(raw string) (doc.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "processing", "running", "transcribing":
		return doc.StatusProcessing, true
	case "uploading":
		return doc.StatusUploading, true
	case "completed", "done":
		return doc.StatusCompleted, true
	case "failed", "error":
		return doc.StatusFailed, true
	case "idle":
		return doc.StatusIdle, true
	default:
		return "", false
	}
}
