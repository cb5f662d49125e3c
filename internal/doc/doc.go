// Package doc defines the shared session document replicated between devices.
//
// Every field is JSON-addressable; the replicated store flattens the document into
// leaf paths, so fields carry no omitempty and absent values are explicit nulls.
// Timestamps are unix milliseconds.
package doc

import (
	"math"
	"time"
)

type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceServer  DeviceType = "server"
)

type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleViewer    Role = "viewer"
)

type Capability string

const (
	CapUpload     Capability = "upload"
	CapTranscribe Capability = "transcribe"
	CapTranslate  Capability = "translate"
	CapDownload   Capability = "download"
	CapConfigure  Capability = "configure"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type SourceKind string

const (
	SourceLocal  SourceKind = "local"
	SourceRemote SourceKind = "remote"
	SourceStream SourceKind = "stream"
)

type Quality string

const (
	QualityBase    Quality = "base"
	QualitySmall   Quality = "small"
	QualityMedium  Quality = "medium"
	QualityLargeV2 Quality = "large-v2"
	QualityLargeV3 Quality = "large-v3"
)

type ExportFormat string

const (
	FormatSRT  ExportFormat = "srt"
	FormatVTT  ExportFormat = "vtt"
	FormatTXT  ExportFormat = "txt"
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         DeviceType   `json:"type"`
	Role         Role         `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	ConnectedAt  int64        `json:"connectedAt"`
	LastSeenAt   int64        `json:"lastSeenAt"`
	UserAgent    string       `json:"userAgent"`
	Network      *Network     `json:"network"`
}

// Network is the connection snapshot a device reported when it registered.
type Network struct {
	Type          string  `json:"type"`
	EffectiveType string  `json:"effectiveType"`
	DownlinkMbps  float64 `json:"downlinkMbps"`
	RTTMillis     int64   `json:"rttMillis"`
}

// Can reports whether the device's capability list includes c.
func (d Device) Can(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type TranscriptionResult struct {
	Text             string    `json:"text"`
	Segments         []Segment `json:"segments"`
	LanguageDetected string    `json:"languageDetected"`
}

type TranscriptionState struct {
	TaskID      string  `json:"taskId"`
	Status      Status  `json:"status"`
	Progress    float64 `json:"progress"`
	CurrentStep string  `json:"currentStep"`
	// EstimatedTimeRemaining is in seconds; nil when the backend has no estimate.
	EstimatedTimeRemaining *float64             `json:"estimatedTimeRemaining"`
	StartedAt              int64                `json:"startedAt"`
	CompletedAt            int64                `json:"completedAt"`
	Error                  string               `json:"error"`
	Result                 *TranscriptionResult `json:"result"`
}

// ClampProgress pins Progress into [0,100].
func (t *TranscriptionState) ClampProgress() {
	switch {
	case t.Progress < 0:
		t.Progress = 0
	case t.Progress > 100:
		t.Progress = 100
	case math.IsNaN(t.Progress):
		t.Progress = 0
	}
}

type FileSource struct {
	Kind     SourceKind `json:"kind"`
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	MimeType string     `json:"mimeType"`
	Path     string     `json:"path"`
	URL      string     `json:"url"`
	StreamID string     `json:"streamId"`
}

type Settings struct {
	Language     string       `json:"language"`
	Quality      Quality      `json:"quality"`
	ExportFormat ExportFormat `json:"exportFormat"`
}

type SessionDocument struct {
	SessionID       string             `json:"sessionId"`
	CreatedAt       int64              `json:"createdAt"`
	ExpiresAt       int64              `json:"expiresAt"`
	Devices         map[string]Device  `json:"devices"`
	PrimaryDeviceID *string            `json:"primaryDeviceId"`
	Transcription   TranscriptionState `json:"transcription"`
	File            *FileSource        `json:"file"`
	Settings        Settings           `json:"settings"`
}

func DefaultSettings() Settings {
	return Settings{
		Language:     "auto",
		Quality:      QualitySmall,
		ExportFormat: FormatSRT,
	}
}

// Defaults returns the genesis document for a session. It is a pure function of the
// id so every replica starts from the same state; CreatedAt/ExpiresAt are stamped by
// the creating device's first mutation.
func Defaults(sessionID string) SessionDocument {
	return SessionDocument{
		SessionID:     sessionID,
		Devices:       map[string]Device{},
		Transcription: TranscriptionState{Status: StatusIdle},
		Settings:      DefaultSettings(),
	}
}

// Primary returns the device named by PrimaryDeviceID, if any.
func (d SessionDocument) Primary() (Device, bool) {
	if d.PrimaryDeviceID == nil {
		return Device{}, false
	}
	dev, ok := d.Devices[*d.PrimaryDeviceID]
	return dev, ok
}

// Expired reports whether the session lifetime has elapsed at now. Documents without
// an expiry never expire.
func (d SessionDocument) Expired(now time.Time) bool {
	return d.ExpiresAt > 0 && now.UnixMilli() >= d.ExpiresAt
}

// Clone returns a deep copy safe to mutate independently of d.
func (d SessionDocument) Clone() SessionDocument {
	out := d
	if d.Devices != nil {
		out.Devices = make(map[string]Device, len(d.Devices))
		for id, dev := range d.Devices {
			if dev.Capabilities != nil {
				dev.Capabilities = append([]Capability{}, dev.Capabilities...)
			}
			if dev.Network != nil {
				n := *dev.Network
				dev.Network = &n
			}
			out.Devices[id] = dev
		}
	}
	if d.PrimaryDeviceID != nil {
		id := *d.PrimaryDeviceID
		out.PrimaryDeviceID = &id
	}
	if d.Transcription.EstimatedTimeRemaining != nil {
		eta := *d.Transcription.EstimatedTimeRemaining
		out.Transcription.EstimatedTimeRemaining = &eta
	}
	if d.Transcription.Result != nil {
		res := *d.Transcription.Result
		if res.Segments != nil {
			res.Segments = append([]Segment{}, res.Segments...)
		}
		out.Transcription.Result = &res
	}
	if d.File != nil {
		f := *d.File
		out.File = &f
	}
	return out
}

// Ptr is a small helper for optional document fields.
func Ptr[T any](v T) *T {
	return &v
}
