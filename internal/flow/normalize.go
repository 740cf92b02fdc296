package flow

import (
	"strings"

	"github.com/BTreeMap/NexusCoach/internal/models"
)

var (
	greetingWords = map[string]bool{"hola": true, "hola!": true, "hi": true, "menu": true, "menú": true}
	restartWords  = map[string]bool{"/start": true, "reiniciar": true}
	yesWords      = map[string]bool{"si": true, "sí": true, "yes": true, "s": true}
	noWords       = map[string]bool{"no": true, "n": true}
)

// CanonicalToken reduces text to its menu token: the part before the first
// "." when present, otherwise the trimmed text.
func CanonicalToken(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "."); i >= 0 {
		return strings.TrimSpace(text[:i])
	}
	return text
}

// ParseSide recognizes a declared anatomical side in free text.
func ParseSide(text string) models.Side {
	lower := strings.ToLower(text)
	left := strings.Contains(lower, "izquierd")
	right := strings.Contains(lower, "derech")
	switch {
	case left && !right:
		return models.SideLeft
	case right && !left:
		return models.SideRight
	default:
		return models.SideUnspecified
	}
}

// Normalize turns an inbound message into an engine Event.
func Normalize(msg models.IncomingMessage) Event {
	text := strings.TrimSpace(msg.Body)
	if msg.Image != nil {
		return Event{Kind: EventPhoto, Text: text, Image: msg.Image, Side: ParseSide(text)}
	}

	lower := strings.ToLower(text)
	switch {
	case restartWords[lower]:
		return Event{Kind: EventRestart, Text: text}
	case greetingWords[lower]:
		return Event{Kind: EventGreeting, Text: text}
	}

	token := CanonicalToken(text)
	switch lowerToken := strings.ToLower(token); {
	case yesWords[lowerToken]:
		return Event{Kind: EventYes, Token: token, Text: text}
	case noWords[lowerToken]:
		return Event{Kind: EventNo, Token: token, Text: text}
	}
	return Event{Kind: EventText, Token: token, Text: text}
}
