package models

import (
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionMerging    SessionStatus = "merging"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// CanTransition reports whether a session may move from s to next.
// Status only ever moves forward.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionInProgress:
		return next == SessionMerging || next == SessionFailed
	case SessionMerging:
		return next == SessionCompleted || next == SessionFailed
	default:
		return false
	}
}

type Speaker struct {
	Speaker string `json:"speaker"`
	Voice   string `json:"voice"`
}

type ClipKind string

const (
	ClipAudio   ClipKind = "audio"
	ClipSkipped ClipKind = "skipped"
	ClipFailed  ClipKind = "failed"
)

// Clip is one entry of a session's audio_files list: a stored clip reference
// or a marker recording that the ordinal produced no audio.
type Clip struct {
	Ordinal Ordinal  `json:"ordinal"`
	Kind    ClipKind `json:"kind"`
	Ref     string   `json:"ref,omitempty"`
	Speaker string   `json:"speaker,omitempty"`
	Voice   string   `json:"voice,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type Session struct {
	ID           string        `json:"session_id"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Text         string        `json:"text"`
	Paragraphs   []string      `json:"paragraphs"`
	Speakers     []Speaker     `json:"speakers"`
	PendingUnits int64         `json:"pending_units"`
	FailedUnits  int64         `json:"failed_units"`
	AudioFiles   []Clip        `json:"audio_files"`
	MergedFile   string        `json:"merged_file,omitempty"`
	CallbackURL  string        `json:"callback_url,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Utterance is one unit of synthesis work: a run of text voiced by a single
// speaker at a fixed ordinal.
type Utterance struct {
	SessionID string  `json:"session_id"`
	Ordinal   Ordinal `json:"ordinal"`
	Speaker   string  `json:"speaker"`
	Voice     string  `json:"voice"`
	Text      string  `json:"text"`
}

func (u Utterance) UnitKey() string { return UtteranceKey(u.Ordinal) }

// Unit is a retirement against the session's pending count. Clip is
// appended to audio_files when set; failure markers bump failed_units.
type Unit struct {
	Key  string
	Clip *Clip
}

func (u Unit) Failed() bool {
	return u.Clip != nil && u.Clip.Kind == ClipFailed
}

func ParagraphKey(index int) string {
	return fmt.Sprintf("paragraph:%d", index)
}

func UtteranceKey(o Ordinal) string {
	return "utterance:" + o.String()
}

// WebhookEvent is the body POSTed to a session's callback URL once it
// reaches a terminal status.
type WebhookEvent struct {
	SessionID  string        `json:"session_id"`
	Status     SessionStatus `json:"status"`
	MergedFile string        `json:"merged_file,omitempty"`
	MergedURL  string        `json:"merged_url,omitempty"`
	Error      string        `json:"error,omitempty"`
}
