package service

import (
	"regexp"
	"strings"
	"unicode"

	"edu-llm/internal/domain"
)

// Razones genericas de rechazo. Nunca se expone el patron que hizo match
// para no enseñarle el filtro a un atacante.
const (
	ReasonEmpty      = "mensaje vacio"
	ReasonTooLong    = "mensaje demasiado largo"
	ReasonRepetition = "contenido repetitivo no permitido"
	ReasonInjection  = "mensaje no permitido"
)

// Corpus bilingue (español e ingles) de frases conocidas de prompt
// injection: anular instrucciones, reasignar rol, exfiltrar el prompt del
// sistema, vocabulario de jailbreak y peticiones de ejecucion de codigo.
// Es una primera linea de defensa barata, no una garantia de seguridad.
var injectionPatterns = []*regexp.Regexp{
	// Anular instrucciones.
	regexp.MustCompile(`(?i)\bignore\s+(all|any|your|the|previous|prior|above)\b[\s\S]{0,40}\b(instructions?|rules|prompts?)\b`),
	regexp.MustCompile(`(?i)\bdisregard\b[\s\S]{0,40}\b(instructions?|rules|prompts?)\b`),
	regexp.MustCompile(`(?i)\bforget\s+(all|any|your|the|previous|prior)\b[\s\S]{0,40}\b(instructions?|rules)\b`),
	regexp.MustCompile(`(?i)\bignora\b[\s\S]{0,40}\b(instrucciones|reglas|indicaciones)\b`),
	regexp.MustCompile(`(?i)\bolvida\b[\s\S]{0,40}\b(instrucciones|reglas|indicaciones)\b`),
	regexp.MustCompile(`(?i)\bhaz\s+caso\s+omiso\b[\s\S]{0,40}\b(instrucciones|reglas)\b`),

	// Reasignacion de rol.
	regexp.MustCompile(`(?i)\byou\s+are\s+now\b`),
	regexp.MustCompile(`(?i)\bpretend\s+to\s+be\b`),
	regexp.MustCompile(`(?i)\bact\s+as\s+(if\s+you|a|an|my)\b`),
	regexp.MustCompile(`(?i)\broleplay\s+as\b`),
	regexp.MustCompile(`(?i)\b(eres|seras)\s+ahora\b`),
	regexp.MustCompile(`(?i)\bahora\s+eres\b`),
	regexp.MustCompile(`(?i)\bact[uú]a\s+como\b`),
	regexp.MustCompile(`(?i)\bfinge\s+(ser|que\s+eres)\b`),
	regexp.MustCompile(`(?i)\bhazte\s+pasar\s+por\b`),

	// Exfiltracion del prompt del sistema.
	regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output)\b[\s\S]{0,40}\bsystem\s+prompt\b`),
	regexp.MustCompile(`(?i)\bwhat\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions)\b`),
	regexp.MustCompile(`(?i)\b(revela|muestra|imprime|repite)\b[\s\S]{0,40}\bprompt\s+del?\s+sistema\b`),
	regexp.MustCompile(`(?i)\bcu[aá]l\s+es\s+tu\s+prompt\b`),
	regexp.MustCompile(`(?i)\binstrucciones\s+del\s+sistema\b`),

	// Vocabulario de jailbreak y bypass.
	regexp.MustCompile(`(?i)\bjailbreak`),
	regexp.MustCompile(`(?i)\bdan\s+mode\b`),
	regexp.MustCompile(`(?i)\bdeveloper\s+mode\b`),
	regexp.MustCompile(`(?i)\bbypass\b[\s\S]{0,40}\b(filters?|restrictions?|safety|rules)\b`),
	regexp.MustCompile(`(?i)\bwithout\s+(any\s+)?(restrictions?|filters?|limits?)\b`),
	regexp.MustCompile(`(?i)\bsalta(te)?\b[\s\S]{0,40}\b(filtros|restricciones|reglas)\b`),
	regexp.MustCompile(`(?i)\bsin\s+(restricciones|filtros|limites|límites)\b`),
	regexp.MustCompile(`(?i)\bmodo\s+desarrollador\b`),

	// Ejecucion de codigo.
	regexp.MustCompile(`(?i)\b(execute|run)\s+(this|the\s+following|some)?\s*(code|command|script|shell)\b`),
	regexp.MustCompile(`(?i)\bejecuta\b[\s\S]{0,40}\b(c[oó]digo|comando|script)\b`),
	regexp.MustCompile(`(?i)\bos\.system\s*\(`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bsubprocess\.`),
}

var (
	tripleNewlines = regexp.MustCompile(`\n{3,}`)
	tripleSpaces   = regexp.MustCompile(` {3,}`)
)

// PromptSanitizer valida y normaliza texto de usuario antes de pagar una
// llamada al proveedor de completions.
type PromptSanitizer struct {
	maxLength int
	maxRun    int
}

// NewPromptSanitizer construye el sanitizador con limites por defecto:
// 4000 runas y corridas de hasta 5 simbolos identicos.
func NewPromptSanitizer() *PromptSanitizer {
	return &PromptSanitizer{maxLength: 4000, maxRun: 6}
}

// Sanitize normaliza primero y aplica los rechazos en orden sobre el texto
// ya normalizado. Chequear sobre el texto normalizado evita que un caracter
// de control parta una frase prohibida o esconda una corrida de simbolos, y
// garantiza que volver a sanitizar el texto aceptado da el mismo veredicto.
func (s *PromptSanitizer) Sanitize(text string) domain.SanitizationVerdict {
	normalized := normalize(text)
	if strings.TrimSpace(normalized) == "" {
		return domain.SanitizationVerdict{Reason: ReasonEmpty}
	}
	if len([]rune(normalized)) > s.maxLength {
		return domain.SanitizationVerdict{Reason: ReasonTooLong}
	}
	if hasSymbolRun(normalized, s.maxRun) {
		return domain.SanitizationVerdict{Reason: ReasonRepetition}
	}
	for _, p := range injectionPatterns {
		if p.MatchString(normalized) {
			return domain.SanitizationVerdict{Reason: ReasonInjection}
		}
	}
	return domain.SanitizationVerdict{
		Accepted:       true,
		NormalizedText: normalized,
	}
}

// IsValid es una consulta derivada pura sobre Sanitize.
func (s *PromptSanitizer) IsValid(text string) bool {
	return s.Sanitize(text).Accepted
}

// ViolationReason devuelve la razon de rechazo, o cadena vacia si el texto
// es aceptado.
func (s *PromptSanitizer) ViolationReason(text string) string {
	return s.Sanitize(text).Reason
}

// hasSymbolRun detecta corridas de maxRun o mas simbolos identicos que no
// sean alfanumericos ni espacios.
func hasSymbolRun(text string, maxRun int) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if r == prev && !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			run++
			if run >= maxRun {
				return true
			}
			continue
		}
		prev = r
		run = 1
	}
	return false
}

// normalize limpia caracteres de control (salvo \n, \r y \t) y colapsa
// repeticiones de saltos de linea y espacios.
func normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		sb.WriteRune(r)
	}
	out := tripleNewlines.ReplaceAllString(sb.String(), "\n\n")
	out = tripleSpaces.ReplaceAllString(out, " ")
	return out
}
