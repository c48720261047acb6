package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/models"
)

func TestTaskIDs(t *testing.T) {
	u := models.Utterance{SessionID: "s1", Ordinal: models.SentenceOrdinal(3, 1)}
	cases := map[string]string{
		paragraphTaskID("s1", 2):                     "narration:paragraph:s1:2",
		utteranceTaskID(u):                           "narration:utterance:s1:3-1",
		mergeTaskID("s1"):                            "narration:merge:s1",
		webhookTaskID("s1", models.SessionCompleted): "webhook:deliver:s1:completed",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("task id = %q, want %q", got, want)
		}
	}
}

func TestUtterancePayloadShape(t *testing.T) {
	data, err := json.Marshal(UtteranceSynthesizePayload{
		SessionID: "s1", Ordinal: models.SentenceOrdinal(3, 1), Speaker: "Alice", Voice: "nova", Text: "Hi.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got map[string]any
	json.Unmarshal(data, &got)
	if got["ordinal"] != "3-1" || got["session_id"] != "s1" || got["voice"] != "nova" {
		t.Fatalf("payload = %s", data)
	}
}

func TestDuplicateDispatchIsNotAnError(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewClient(config.RedisConfig{Addr: mr.Addr()})
	defer c.Close()
	ctx := context.Background()

	for range 2 {
		if err := c.DispatchMerge(ctx, "s1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	pending, err := mr.List("asynq:{critical}:pending")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != "narration:merge:s1" {
		t.Fatalf("pending tasks = %v", pending)
	}
}
