// Package interpret turns free text into catalog canonicals: the profession
// the customer needs, the city they are in, and the semantic judgment that
// the text expresses a need rather than a bare profession label.
//
// The catalog direct match always wins; the LLM is consulted only on a miss,
// and its answers are re-resolved against the catalog so nothing outside the
// vocabulary escapes.
package interpret

import (
	"context"
	"log/slog"
	"strings"

	"servimatch.dev/catalog"
	"servimatch.dev/llm"
)

// Interpreter resolves text against the catalog with an LLM fallback.
type Interpreter struct {
	catalog *catalog.Service
	llm     llm.Service
}

// New returns an Interpreter.
func New(cat *catalog.Service, svc llm.Service) *Interpreter {
	return &Interpreter{catalog: cat, llm: svc}
}

const extractProfessionPrompt = `El usuario describe un problema o necesidad de servicio.
Devuelve SOLO un objeto JSON {"profession": "..."} con el nombre del servicio MÁS ESPECÍFICO
de esta lista que lo resuelve, o {"profession": ""} si ninguno aplica.
NO generalices: si la necesidad es específica ("pliegos de contratación pública") no la
conviertas en una profesión genérica ("consultor"). Lista permitida:
%s`

// ExtractProfession resolves text to a canonical profession. It reports false
// when neither the catalog nor the restricted LLM fallback produce a
// canonical that exists in the catalog.
func (i *Interpreter) ExtractProfession(ctx context.Context, text string) (string, bool) {
	if canonical, ok := i.catalog.ResolveProfession(ctx, text); ok {
		return canonical, true
	}

	allowed := i.catalog.Professions(ctx)
	if len(allowed) == 0 {
		return "", false
	}
	var answer struct {
		Profession string `json:"profession"`
	}
	err := llm.CompleteJSON(ctx, i.llm, &llm.Request{
		System: sprintfList(extractProfessionPrompt, allowed),
		User:   text,
	}, &answer)
	if err != nil {
		slog.WarnContext(ctx, "profession extraction unavailable", "error", err)
		return "", false
	}
	if answer.Profession == "" {
		return "", false
	}
	// Re-resolve the model's answer so only catalog canonicals are returned.
	return i.catalog.ResolveProfession(ctx, answer.Profession)
}

const extractCityPrompt = `El usuario menciona (quizá) una ciudad. Devuelve SOLO un objeto JSON
{"city": "..."} con la ciudad de esta lista, o {"city": ""} si no menciona ninguna de ellas.
Lista permitida:
%s`

// ExtractCity resolves text to a canonical city: normalized catalog equality
// first, then a restricted LLM prompt over the allowed canonical list.
// Answers outside the list are rejected.
func (i *Interpreter) ExtractCity(ctx context.Context, text string) (string, bool) {
	if canonical, ok := i.catalog.ResolveCity(ctx, text); ok {
		return canonical, true
	}

	allowed := i.catalog.Cities(ctx)
	if len(allowed) == 0 {
		return "", false
	}
	var answer struct {
		City string `json:"city"`
	}
	err := llm.CompleteJSON(ctx, i.llm, &llm.Request{
		System: sprintfList(extractCityPrompt, allowed),
		User:   text,
	}, &answer)
	if err != nil {
		slog.WarnContext(ctx, "city extraction unavailable", "error", err)
		return "", false
	}
	if answer.City == "" {
		return "", false
	}
	return i.catalog.ResolveCity(ctx, answer.City)
}

const needPrompt = `Decide si el texto expresa una NECESIDAD o PROBLEMA ("se me daña la tubería",
"necesito arreglar el techo") o si es solo el NOMBRE de una profesión ("plomero", "electricista").
Devuelve SOLO un objeto JSON {"is_need": bool}.`

// IsNeedOrProblem reports whether text expresses a need or problem rather
// than a bare profession label. Empty input is never a need; when the LLM is
// unavailable the check fails open to true.
func (i *Interpreter) IsNeedOrProblem(ctx context.Context, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	var answer struct {
		IsNeed bool `json:"is_need"`
	}
	err := llm.CompleteJSON(ctx, i.llm, &llm.Request{
		System: needPrompt,
		User:   text,
	}, &answer)
	if err != nil {
		slog.WarnContext(ctx, "need classification unavailable, failing open", "error", err)
		return true
	}
	return answer.IsNeed
}

func sprintfList(format string, items []string) string {
	return strings.Replace(format, "%s", "- "+strings.Join(items, "\n- "), 1)
}
