package queue

import (
	"fmt"

	"github.com/puckettventures/converse/internal/models"
)

const (
	TypeParagraphPlan       = "narration:paragraph"
	TypeUtteranceSynthesize = "narration:utterance"
	TypeNarrationMerge      = "narration:merge"
	TypeWebhookDeliver      = "webhook:deliver"
	TypeNarrationSweep      = "narration:sweep"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

type ParagraphPlanPayload struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
}

// UtteranceSynthesizePayload carries session_id, ordinal, speaker, voice
// and text.
type UtteranceSynthesizePayload = models.Utterance

type NarrationMergePayload struct {
	SessionID string `json:"session_id"`
}

type WebhookDeliverPayload struct {
	SessionID string              `json:"session_id"`
	URL       string              `json:"url"`
	Event     string              `json:"event"`
	Payload   models.WebhookEvent `json:"payload"`
}

type NarrationSweepPayload struct {
	OlderThan string `json:"older_than"` // time.ParseDuration format
}

// Task ids are derived from the work they name so a second enqueue of the
// same work is rejected by asynq.

func paragraphTaskID(sessionID string, index int) string {
	return fmt.Sprintf("%s:%s:%d", TypeParagraphPlan, sessionID, index)
}

func utteranceTaskID(u models.Utterance) string {
	return fmt.Sprintf("%s:%s:%s", TypeUtteranceSynthesize, u.SessionID, u.Ordinal)
}

func mergeTaskID(sessionID string) string {
	return fmt.Sprintf("%s:%s", TypeNarrationMerge, sessionID)
}

func webhookTaskID(sessionID string, status models.SessionStatus) string {
	return fmt.Sprintf("%s:%s:%s", TypeWebhookDeliver, sessionID, status)
}
