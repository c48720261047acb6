package speakers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/llm"
	"github.com/puckettventures/converse/internal/models"
)

// textGateway answers each assign call by the "text" field of the user
// message.
type textGateway struct {
	mu      sync.Mutex
	replies map[string]string
	calls   []string
}

func (g *textGateway) Provider(string) (llm.Provider, error) { return nil, errors.New("unused") }

func (g *textGateway) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(req.Messages[len(req.Messages)-1].Content), &in); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, in.Text)
	reply, ok := g.replies[in.Text]
	if !ok {
		return nil, errors.New("unexpected text " + in.Text)
	}
	return &llm.ChatResponse{Content: reply}, nil
}

func newTestAssigner(gw llm.Gateway) *Assigner {
	return NewAssigner(gw,
		config.PipelineConfig{ParagraphsBefore: 10, ParagraphsAfter: 10},
		config.TTSConfig{Voices: []string{"alloy", "echo", "nova"}, DefaultVoice: "alloy"},
	)
}

var roster = []models.Speaker{{Speaker: "Narrator", Voice: "alloy"}, {Speaker: "Alice", Voice: "nova"}}

func TestAssignSingleSpeaker(t *testing.T) {
	gw := &textGateway{replies: map[string]string{
		"It was late.": `{"conversation":[{"speaker":"Narrator","voice":"alloy","text":"It was late."}]}`,
	}}
	s := &models.Session{ID: "s1", Paragraphs: []string{"It was late."}, Speakers: roster}

	plan, err := newTestAssigner(gw).Assign(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Skipped || len(plan.Utterances) != 1 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	u := plan.Utterances[0]
	if u.Ordinal.String() != "0" || u.Speaker != "Narrator" || u.Voice != "alloy" || u.Text != "It was late." || u.SessionID != "s1" {
		t.Fatalf("unexpected utterance: %+v", u)
	}
}

func TestAssignSpeakerCaseInsensitive(t *testing.T) {
	gw := &textGateway{replies: map[string]string{
		"Alice sang. Then alice hummed.": `{"conversation":[
			{"speaker":"Alice","voice":"nova","text":"Alice sang."},
			{"speaker":"alice","voice":"nova","text":"Then alice hummed."}]}`,
	}}
	s := &models.Session{ID: "s1", Paragraphs: []string{"Alice sang. Then alice hummed."}, Speakers: roster}

	plan, err := newTestAssigner(gw).Assign(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Utterances) != 1 || plan.Utterances[0].Ordinal.String() != "0" {
		t.Fatalf("expected one paragraph utterance, got %+v", plan.Utterances)
	}
	if len(gw.calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(gw.calls))
	}
}

func TestAssignSplitsInterleavedSpeakers(t *testing.T) {
	paragraph := "Alice waved at Bob. She said hello there. Bob nodded slowly."
	gw := &textGateway{replies: map[string]string{
		paragraph: "```json\n" + `{"conversation":[
			{"speaker":"Narrator","voice":"alloy","text":"Alice waved."},
			{"speaker":"Alice","voice":"nova","text":"Hello there."},
			{"speaker":"Narrator","voice":"alloy","text":"Bob nodded."}]}` + "\n```",
		"Alice waved at Bob.":   `{"conversation":[{"speaker":"Narrator","voice":"alloy","text":"Alice waved at Bob."}]}`,
		"She said hello there.": `{"conversation":[{"speaker":"Alice","text":"hello there"}]}`,
		"Bob nodded slowly.":    `{"conversation":[]}`,
		"Intro paragraph.":      `{"conversation":[{"speaker":"Narrator","voice":"alloy","text":"Intro paragraph."}]}`,
	}}
	s := &models.Session{ID: "s2", Paragraphs: []string{"Intro paragraph.", paragraph}, Speakers: roster}

	plan, err := newTestAssigner(gw).Assign(context.Background(), s, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []struct {
		ordinal, speaker, voice string
	}{
		{"1-0", "Narrator", "alloy"},
		{"1-1", "Alice", "nova"},
		// No speaker from the model: inherits the paragraph's first speaker.
		{"1-2", "Narrator", "alloy"},
	}
	if len(plan.Utterances) != len(want) {
		t.Fatalf("got %d utterances, want %d: %+v", len(plan.Utterances), len(want), plan.Utterances)
	}
	for i, w := range want {
		u := plan.Utterances[i]
		if u.Ordinal.String() != w.ordinal || u.Speaker != w.speaker || u.Voice != w.voice {
			t.Fatalf("utterance %d = %+v, want %+v", i, u, w)
		}
	}
	if len(gw.calls) != 4 {
		t.Fatalf("expected 1 paragraph call and 3 sentence calls, got %v", gw.calls)
	}
}

func TestAssignZeroSpeakersSkips(t *testing.T) {
	gw := &textGateway{replies: map[string]string{"***": `{"conversation":[]}`}}
	s := &models.Session{ID: "s3", Paragraphs: []string{"***"}, Speakers: roster}

	plan, err := newTestAssigner(gw).Assign(context.Background(), s, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.Skipped || len(plan.Utterances) != 0 {
		t.Fatalf("expected skipped plan, got %+v", plan)
	}
}

func TestAssignRejectsInvalidPayload(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not json", `Alice says hello`},
		{"missing conversation", `{"speakers":[]}`},
		{"empty speaker", `{"conversation":[{"speaker":"","voice":"alloy"}]}`},
		{"unknown voice and speaker", `{"conversation":[{"speaker":"Zed","voice":"robot"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &textGateway{replies: map[string]string{"Hi.": tt.reply}}
			s := &models.Session{ID: "s4", Paragraphs: []string{"Hi."}, Speakers: roster}
			_, err := newTestAssigner(gw).Assign(context.Background(), s, 0)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestAssignOutOfRange(t *testing.T) {
	s := &models.Session{ID: "s5", Paragraphs: []string{"One."}}
	if _, err := newTestAssigner(&textGateway{}).Assign(context.Background(), s, 3); err == nil {
		t.Fatal("expected error for out of range index")
	}
}

func TestIdentifyRosterNormalisesVoices(t *testing.T) {
	text := "Alice met Bob."
	gw := &textGateway{replies: map[string]string{text: `{"speakers":[
		{"speaker":"Narrator","voice":"alloy"},
		{"speaker":"Alice","voice":"soprano"},
		{"speaker":"alice","voice":"nova"},
		{"speaker":"Bob","voice":""}]}`}}

	got, err := newTestAssigner(gw).IdentifyRoster(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []models.Speaker{
		{Speaker: "Narrator", Voice: "alloy"},
		{Speaker: "Alice", Voice: "echo"},
		{Speaker: "Bob", Voice: "nova"},
	}
	if len(got) != len(want) {
		t.Fatalf("roster = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roster[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestIdentifyRosterInChunks(t *testing.T) {
	first := "Alice met Bob at dawn."
	second := "Carol joined Alice later."
	gw := &textGateway{replies: map[string]string{
		first:  `{"speakers":[{"speaker":"Narrator","voice":"alloy"},{"speaker":"Alice","voice":"nova"},{"speaker":"Bob","voice":"echo"}]}`,
		second: `{"speakers":[{"speaker":"Narrator","voice":"alloy"},{"speaker":"alice","voice":"echo"},{"speaker":"Carol","voice":"shimmer"}]}`,
	}}
	a := NewAssigner(gw,
		config.PipelineConfig{ParagraphsBefore: 10, ParagraphsAfter: 10, RosterChunkTokens: 6},
		config.TTSConfig{Voices: []string{"alloy", "echo", "nova", "fable"}, DefaultVoice: "alloy"},
	)

	got, err := a.IdentifyRoster(context.Background(), first+"\n\n"+second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw.calls) != 2 {
		t.Fatalf("calls = %q, want one per chunk", gw.calls)
	}
	want := []models.Speaker{
		{Speaker: "Narrator", Voice: "alloy"},
		{Speaker: "Alice", Voice: "nova"},
		{Speaker: "Bob", Voice: "echo"},
		{Speaker: "Carol", Voice: "fable"},
	}
	if len(got) != len(want) {
		t.Fatalf("roster = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roster[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
