// Package speakers attributes narration text to speakers and voices with a
// chat-completion model.
package speakers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/puckettventures/converse/internal/config"
	"github.com/puckettventures/converse/internal/llm"
	"github.com/puckettventures/converse/internal/models"
	"github.com/puckettventures/converse/pkg/chunker"
	"github.com/puckettventures/converse/pkg/segment"
)

// ErrInvalidPayload is returned when a completion does not decode into the
// expected shape.
var ErrInvalidPayload = errors.New("invalid speaker payload")

// Plan is the outcome of assigning one paragraph. Skipped is set when the
// model found nothing to voice.
type Plan struct {
	Skipped    bool
	Utterances []models.Utterance
}

type Assigner struct {
	gateway      llm.Gateway
	before       int
	after        int
	rosterBudget int
	voices       []string
	defaultVoice string
}

func NewAssigner(gw llm.Gateway, pipeline config.PipelineConfig, tts config.TTSConfig) *Assigner {
	return &Assigner{
		gateway:      gw,
		before:       pipeline.ParagraphsBefore,
		after:        pipeline.ParagraphsAfter,
		rosterBudget: pipeline.RosterChunkTokens,
		voices:       tts.Voices,
		defaultVoice: tts.DefaultVoice,
	}
}

type rosterPayload struct {
	Speakers *[]models.Speaker `json:"speakers"`
}

type conversationEntry struct {
	Speaker string `json:"speaker"`
	Voice   string `json:"voice"`
	Text    string `json:"text"`
}

type conversationPayload struct {
	Conversation *[]conversationEntry `json:"conversation"`
}

type assignInput struct {
	Context  string           `json:"context"`
	Text     string           `json:"text"`
	Speakers []models.Speaker `json:"speakers"`
}

// IdentifyRoster asks the model for the cast of the whole text. Text over
// the roster token budget is sent in paragraph-aligned chunks and the
// casts are combined. Speakers are de-duplicated by name and any voice
// outside the configured list is replaced with the next unused one.
func (a *Assigner) IdentifyRoster(ctx context.Context, text string) ([]models.Speaker, error) {
	chunks := chunker.Pack(segment.Paragraphs(text), a.rosterBudget)

	var found []models.Speaker
	if len(chunks) <= 1 {
		cast, err := a.rosterCall(ctx, text)
		if err != nil {
			return nil, err
		}
		found = cast
	} else {
		slog.Debug("identifying roster in chunks", "chunks", len(chunks))
		for _, c := range chunks {
			cast, err := a.rosterCall(ctx, c.Content)
			if err != nil {
				return nil, fmt.Errorf("roster chunk %d: %w", c.Index, err)
			}
			found = append(found, cast...)
		}
	}

	seen := make(map[string]bool)
	used := make(map[string]bool)
	roster := make([]models.Speaker, 0, len(found))
	for _, s := range found {
		s.Speaker = strings.TrimSpace(s.Speaker)
		key := strings.ToLower(s.Speaker)
		if s.Speaker == "" || seen[key] {
			continue
		}
		seen[key] = true
		if !a.knownVoice(s.Voice) {
			s.Voice = a.nextVoice(used)
		}
		used[s.Voice] = true
		roster = append(roster, s)
	}
	return roster, nil
}

func (a *Assigner) rosterCall(ctx context.Context, text string) ([]models.Speaker, error) {
	user, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal roster input: %w", err)
	}
	resp, err := a.gateway.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: rosterSystemPrompt(a.voices)},
			{Role: "user", Content: string(user)},
		},
		JSON: true,
	})
	if err != nil {
		return nil, fmt.Errorf("identify roster: %w", err)
	}

	var payload rosterPayload
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Speakers == nil {
		return nil, fmt.Errorf("%w: missing speakers", ErrInvalidPayload)
	}
	return *payload.Speakers, nil
}

// Assign plans the utterances for one paragraph. A paragraph with a single
// speaker becomes one utterance; a paragraph with several is split into
// sentences and each sentence is attributed on its own. Every model call
// finishes before Assign returns.
func (a *Assigner) Assign(ctx context.Context, s *models.Session, index int) (Plan, error) {
	if index < 0 || index >= len(s.Paragraphs) {
		return Plan{}, fmt.Errorf("paragraph %d out of range", index)
	}
	paragraph := s.Paragraphs[index]
	window := segment.Window(s.Paragraphs, index, a.before, a.after)

	conv, err := a.attribute(ctx, window, paragraph, s.Speakers)
	if err != nil {
		return Plan{}, fmt.Errorf("assign paragraph %d: %w", index, err)
	}

	distinct := distinctSpeakers(conv)
	switch len(distinct) {
	case 0:
		return Plan{Skipped: true}, nil
	case 1:
		u, err := a.utterance(s, models.ParagraphOrdinal(index), conv[0], paragraph)
		if err != nil {
			return Plan{}, err
		}
		return Plan{Utterances: []models.Utterance{u}}, nil
	}

	sentences := segment.Sentences(paragraph)
	slog.Debug("paragraph has several speakers",
		"session_id", s.ID,
		"ordinal", index,
		"speakers", len(distinct),
		"sentences", len(sentences),
	)

	plan := Plan{Utterances: make([]models.Utterance, 0, len(sentences))}
	for i, sentence := range sentences {
		sconv, err := a.attribute(ctx, window, sentence, s.Speakers)
		if err != nil {
			return Plan{}, fmt.Errorf("assign sentence %d-%d: %w", index, i, err)
		}
		entry := conv[0]
		if len(sconv) > 0 {
			entry = sconv[0]
		}
		u, err := a.utterance(s, models.SentenceOrdinal(index, i), entry, sentence)
		if err != nil {
			return Plan{}, err
		}
		plan.Utterances = append(plan.Utterances, u)
	}
	return plan, nil
}

func (a *Assigner) attribute(ctx context.Context, window, text string, roster []models.Speaker) ([]conversationEntry, error) {
	if roster == nil {
		roster = []models.Speaker{}
	}
	user, err := json.Marshal(assignInput{Context: window, Text: text, Speakers: roster})
	if err != nil {
		return nil, fmt.Errorf("marshal assign input: %w", err)
	}
	resp, err := a.gateway.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: assignPrompt},
			{Role: "user", Content: string(user)},
		},
		JSON: true,
	})
	if err != nil {
		return nil, err
	}
	return parseConversation(resp.Content)
}

func parseConversation(content string) ([]conversationEntry, error) {
	var payload conversationPayload
	if err := json.Unmarshal([]byte(stripFences(content)), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Conversation == nil {
		return nil, fmt.Errorf("%w: missing conversation", ErrInvalidPayload)
	}
	conv := *payload.Conversation
	for i := range conv {
		conv[i].Speaker = strings.TrimSpace(conv[i].Speaker)
		if conv[i].Speaker == "" {
			return nil, fmt.Errorf("%w: entry %d has no speaker", ErrInvalidPayload, i)
		}
	}
	return conv, nil
}

func (a *Assigner) utterance(s *models.Session, ord models.Ordinal, entry conversationEntry, text string) (models.Utterance, error) {
	voice, err := a.resolveVoice(entry, s.Speakers)
	if err != nil {
		return models.Utterance{}, fmt.Errorf("ordinal %s: %w", ord, err)
	}
	return models.Utterance{
		SessionID: s.ID,
		Ordinal:   ord,
		Speaker:   entry.Speaker,
		Voice:     voice,
		Text:      text,
	}, nil
}

// resolveVoice prefers the voice the model returned, then the roster entry
// for the speaker.
func (a *Assigner) resolveVoice(entry conversationEntry, roster []models.Speaker) (string, error) {
	if entry.Voice != "" && a.knownVoice(entry.Voice) {
		return entry.Voice, nil
	}
	for _, r := range roster {
		if strings.EqualFold(r.Speaker, entry.Speaker) && r.Voice != "" {
			return r.Voice, nil
		}
	}
	return "", fmt.Errorf("%w: no voice for speaker %q", ErrInvalidPayload, entry.Speaker)
}

func (a *Assigner) knownVoice(v string) bool {
	if v == "" {
		return false
	}
	if len(a.voices) == 0 {
		return true
	}
	for _, known := range a.voices {
		if known == v {
			return true
		}
	}
	return false
}

func (a *Assigner) nextVoice(used map[string]bool) string {
	for _, v := range a.voices {
		if !used[v] {
			return v
		}
	}
	if len(a.voices) > 0 {
		return a.voices[len(used)%len(a.voices)]
	}
	return a.defaultVoice
}

// distinctSpeakers compares names case-insensitively, matching how voices
// are looked up in the roster.
func distinctSpeakers(conv []conversationEntry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range conv {
		key := strings.ToLower(e.Speaker)
		if !seen[key] {
			seen[key] = true
			out = append(out, e.Speaker)
		}
	}
	return out
}
