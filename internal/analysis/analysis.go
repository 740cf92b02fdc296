// Package analysis wraps the external vision service that scores a technique photo.
//
// Every backend returns either a Result, which may be a technique mismatch,
// or one of two errors: ErrServiceUnavailable when the service could not be
// reached and ErrMalformedResponse when its reply did not follow the expected
// format.
package analysis

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/NexusCoach/internal/models"
)

// Gateway errors share identity with the models taxonomy.
var (
	ErrServiceUnavailable = models.ErrGatewayUnavailable
	ErrMalformedResponse  = models.ErrMalformedGatewayResponse
)

// Request is one analysis call. It lives only until the call resolves.
type Request struct {
	Image    []byte
	MIMEType string
	Exercise string
	Side     models.Side
	UserID   string
}

// Result is a successfully parsed reply.
type Result struct {
	// Mismatch is set when the photo does not show the requested technique.
	Mismatch    bool
	Score       int
	Observation string
	// Text is the message shown to the user.
	Text string
}

// Gateway analyzes technique photos.
type Gateway interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

const systemPromptTemplate = "Eres un experto en biomecánica de calistenia mediante visión por computador. " +
	"Interpreta 0% como ejecución totalmente deficiente y 100% como ejecución perfecta a nivel propioceptivo. " +
	"Ten en cuenta siempre la mejor ejecución como referencia para indicar en la observación. " +
	"Si la imagen no corresponde con la técnica solicitada, responde únicamente:\n" +
	"Imagen incorrecta para el ejercicio %s. Por favor, envía la imagen correcta.\n" +
	"De lo contrario, responde exclusivamente con:\n" +
	"Propiocepción general: xx%%\n" +
	"Observación: breve indicando de qué lado está mal y por qué."

// SystemPrompt returns the instruction for exercise.
func SystemPrompt(exercise string) string {
	return fmt.Sprintf(systemPromptTemplate, exercise)
}

// UserPrompt returns the user turn that accompanies the photo.
func UserPrompt(exercise string, side models.Side) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Técnica: %s.\nAnaliza mi propiocepción general para %s.", exercise, exercise)
	if side != models.SideUnspecified {
		fmt.Fprintf(&b, " Considera que mi lado derecho anatómico en la foto es “%s”.", side)
	}
	return b.String()
}

var (
	scorePattern       = regexp.MustCompile(`(?i)propiocepci[oó]n general:\s*(\d{1,3})\s*%`)
	observationPattern = regexp.MustCompile(`(?is)observaci[oó]n:\s*(.+)`)
)

// ParseReply turns the model's text into a Result.
func ParseReply(text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty reply", ErrMalformedResponse)
	}
	if strings.Contains(strings.ToLower(text), "imagen incorrecta") {
		return Result{Mismatch: true, Text: text}, nil
	}

	m := scorePattern.FindStringSubmatch(text)
	if m == nil {
		return Result{}, fmt.Errorf("%w: missing score in %q", ErrMalformedResponse, text)
	}
	score, err := strconv.Atoi(m[1])
	if err != nil || score > 100 {
		return Result{}, fmt.Errorf("%w: score out of range in %q", ErrMalformedResponse, text)
	}
	o := observationPattern.FindStringSubmatch(text)
	if o == nil {
		return Result{}, fmt.Errorf("%w: missing observation in %q", ErrMalformedResponse, text)
	}
	obs := strings.TrimSpace(o[1])
	return Result{
		Score:       score,
		Observation: obs,
		Text:        fmt.Sprintf("Propiocepción general: %d%%\nObservación: %s", score, obs),
	}, nil
}
