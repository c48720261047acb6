package speakers

import (
	"fmt"
	"strings"
)

const rosterPrompt = `You cast voices for an audiobook narration.
Read the text and list every distinct speaker, including "Narrator" for any
prose that is not spoken dialogue. Give each speaker one voice from this list,
using a different voice per speaker while the list allows it:
%s
Reply with ONLY a JSON object: {"speakers": [{"speaker": "name", "voice": "voice"}]}`

const assignPrompt = `You attribute narration text to speakers.
The user message is a JSON object with "context" (surrounding paragraphs),
"text" (the passage to attribute) and "speakers" (the known cast and their
voices). Decide who speaks "text". Reuse a speaker name and voice from the
cast whenever the speaker is already known. Narration outside quotes belongs
to "Narrator". If the passage is empty or has nothing to voice, return an
empty conversation.
Reply with ONLY a JSON object:
{"conversation": [{"speaker": "name", "voice": "voice", "text": "spoken part"}]}`

func rosterSystemPrompt(voices []string) string {
	list := "- any voice you consider suitable"
	if len(voices) > 0 {
		list = "- " + strings.Join(voices, "\n- ")
	}
	return fmt.Sprintf(rosterPrompt, list)
}

// stripFences removes a surrounding markdown code fence from a completion.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}
