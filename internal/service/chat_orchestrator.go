package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edu-llm/internal/domain"
	"edu-llm/internal/llm"
	"edu-llm/internal/repository"
)

const (
	historyLimit     = 10
	advisorCourses   = 5
	persistTimeout   = 5 * time.Second
	courseLinkFormat = "[Ver curso](/cursos/%s)"
)

// CourseContextRetriever abstrae la recuperacion de cursos para el modo asesor.
type CourseContextRetriever interface {
	RetrieveCourseContext(ctx context.Context, queryText string, k int) []domain.CourseSummary
}

// TurnRequest es la entrada de un turno de chat.
type TurnRequest struct {
	UserID    string
	SessionID string
	Mode      domain.SessionMode
	Message   string
}

// TurnResult es la salida de un turno. Fallback indica que el proveedor
// fallo a mitad de stream y BotMessage es la disculpa fija.
type TurnResult struct {
	Session    domain.ChatSession
	BotMessage domain.ChatMessage
	Fallback   bool
}

// ChunkSink recibe cada fragmento de la respuesta apenas llega. Un error
// del sink se interpreta como desconexion del cliente.
type ChunkSink func(chunk string) error

// ChatOrchestrator ejecuta el pipeline de un turno: admision, sanitizacion,
// resolucion de sesion, recuperacion de contexto, llamada al proveedor y
// persistencia con semantica bien definida ante fallos.
type ChatOrchestrator struct {
	limiter   ChatRateLimiter
	sanitizer *PromptSanitizer
	sessions  repository.ChatSessionRepository
	messages  repository.ChatMessageRepository
	retriever CourseContextRetriever
	provider  llm.CompletionProvider
	logger    *zap.Logger

	generalPrompt   string
	fallbackMessage string
}

func NewChatOrchestrator(
	limiter ChatRateLimiter,
	sanitizer *PromptSanitizer,
	sessions repository.ChatSessionRepository,
	messages repository.ChatMessageRepository,
	retriever CourseContextRetriever,
	provider llm.CompletionProvider,
	generalPrompt string,
	fallbackMessage string,
	logger *zap.Logger,
) *ChatOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatOrchestrator{
		limiter:         limiter,
		sanitizer:       sanitizer,
		sessions:        sessions,
		messages:        messages,
		retriever:       retriever,
		provider:        provider,
		generalPrompt:   generalPrompt,
		fallbackMessage: fallbackMessage,
		logger:          logger,
	}
}

// Chat ejecuta un turno por la via bloqueante. Un fallo del proveedor se
// devuelve como ProviderError sin persistir mensaje BOT.
func (o *ChatOrchestrator) Chat(ctx context.Context, req TurnRequest) (TurnResult, error) {
	session, prompt, err := o.beginTurn(ctx, req)
	if err != nil {
		return TurnResult{}, err
	}

	response, err := o.provider.Complete(ctx, prompt)
	if err != nil {
		return TurnResult{}, &ProviderError{Err: err}
	}

	botMsg := o.persistBotMessage(ctx, session.ID, response)
	return TurnResult{Session: session, BotMessage: botMsg}, nil
}

// ChatStream ejecuta un turno en streaming. Cada fragmento se reenvia al
// sink apenas llega; el texto acumulado se persiste como un unico mensaje
// BOT al cerrar el stream. Si el proveedor falla a mitad de stream, o el
// cliente se desconecta, se descarta el parcial y se persiste la disculpa
// fija en su lugar: un transcript trunco nunca es el registro durable,
// aunque el cliente ya haya recibido fragmentos. Perdida de contenido
// aceptada a cambio de un registro consistente.
func (o *ChatOrchestrator) ChatStream(ctx context.Context, req TurnRequest, sink ChunkSink) (TurnResult, error) {
	session, prompt, err := o.beginTurn(ctx, req)
	if err != nil {
		return TurnResult{}, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := o.provider.CompleteStreaming(streamCtx, prompt)
	if err != nil {
		o.logger.Warn("stream open failed", zap.String("session_id", session.ID), zap.Error(err))
		return o.fallbackTurn(session), nil
	}

	var accumulated strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			cancel()
			o.logger.Warn("stream failed mid-flight",
				zap.String("session_id", session.ID),
				zap.Int("delivered_bytes", accumulated.Len()),
				zap.Error(chunk.Err),
			)
			return o.fallbackTurn(session), nil
		}
		if err := sink(chunk.Content); err != nil {
			// Cliente desconectado: cancelar el proveedor para no pagar
			// tokens que nadie recibira.
			cancel()
			o.logger.Info("client disconnected mid-stream",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
			return o.fallbackTurn(session), nil
		}
		accumulated.WriteString(chunk.Content)
	}

	if ctx.Err() != nil {
		// Cancelacion del caller: el canal se cerro antes de terminar.
		return o.fallbackTurn(session), nil
	}
	if accumulated.Len() == 0 {
		// Stream vacio: fallo total del proveedor.
		return o.fallbackTurn(session), nil
	}

	botMsg := o.persistBotMessage(ctx, session.ID, accumulated.String())
	return TurnResult{Session: session, BotMessage: botMsg}, nil
}

// beginTurn cubre los pasos comunes: admision, sanitizacion, resolucion de
// sesion, persistencia del mensaje del usuario y armado del prompt.
func (o *ChatOrchestrator) beginTurn(ctx context.Context, req TurnRequest) (domain.ChatSession, []llm.Message, error) {
	allowed, retryAfter := o.limiter.Allow(req.UserID)
	if !allowed {
		return domain.ChatSession{}, nil, &AdmissionError{Identity: req.UserID, RetryAfter: retryAfter}
	}

	verdict := o.sanitizer.Sanitize(req.Message)
	if !verdict.Accepted {
		// Politica explicita: la entrada rechazada no se persiste.
		return domain.ChatSession{}, nil, &ValidationError{Reason: verdict.Reason}
	}

	session, err := o.resolveSession(ctx, req)
	if err != nil {
		return domain.ChatSession{}, nil, err
	}

	// El mensaje del usuario se persiste antes de invocar al proveedor:
	// un crash a mitad de turno nunca pierde lo que el usuario escribio.
	userMsg := domain.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Sender:    domain.SenderUser,
		Content:   verdict.NormalizedText,
		CreatedAt: time.Now().UTC(),
	}
	o.persistMessage(ctx, userMsg)

	prompt := o.buildPrompt(ctx, session, userMsg)
	return session, prompt, nil
}

func (o *ChatOrchestrator) resolveSession(ctx context.Context, req TurnRequest) (domain.ChatSession, error) {
	if strings.TrimSpace(req.SessionID) != "" {
		session, err := o.sessions.GetByID(ctx, req.SessionID)
		switch {
		case err == nil:
			if session.UserID != req.UserID {
				return domain.ChatSession{}, ErrSessionNotAccessible
			}
			return session, nil
		case errors.Is(err, repository.ErrSessionNotFound):
			// Se crea una nueva abajo. Dos turnos concurrentes sobre el
			// mismo id inexistente pueden crear dos sesiones; aceptado.
		default:
			return domain.ChatSession{}, fmt.Errorf("get session: %w", err)
		}
	}

	mode := req.Mode
	if !domain.ValidMode(mode) {
		mode = domain.ModeGeneral
	}
	now := time.Now().UTC()
	session := domain.ChatSession{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Mode:           mode,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := o.sessions.Create(ctx, session); err != nil {
		return domain.ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// buildPrompt arma el mensaje de sistema segun el modo y anexa los ultimos
// mensajes persistidos de la sesion, del mas viejo al mas nuevo.
func (o *ChatOrchestrator) buildPrompt(ctx context.Context, session domain.ChatSession, userMsg domain.ChatMessage) []llm.Message {
	var system string
	if session.Mode == domain.ModeAdvisor {
		courses := o.retriever.RetrieveCourseContext(ctx, userMsg.Content, advisorCourses)
		system = buildAdvisorPrompt(courses)
	} else {
		system = o.generalPrompt
	}

	prompt := []llm.Message{{Role: llm.RoleSystem, Content: system}}

	history, err := o.messages.ListRecentBySessionID(ctx, session.ID, historyLimit)
	if err != nil {
		o.logger.Warn("history load failed", zap.String("session_id", session.ID), zap.Error(err))
		history = nil
	}

	sawUserMsg := false
	for _, m := range history {
		role := llm.RoleUser
		if m.Sender == domain.SenderBot {
			role = llm.RoleAssistant
		}
		prompt = append(prompt, llm.Message{Role: role, Content: m.Content})
		if m.ID == userMsg.ID {
			sawUserMsg = true
		}
	}
	if !sawUserMsg {
		// La lectura del historial pudo fallar o perder el guardado
		// best-effort; el turno actual siempre viaja al proveedor.
		prompt = append(prompt, llm.Message{Role: llm.RoleUser, Content: userMsg.Content})
	}
	return prompt
}

// buildAdvisorPrompt enumera los cursos recuperados con su enlace en
// markdown, o instruye asesorar de forma general si no hubo coincidencias.
func buildAdvisorPrompt(courses []domain.CourseSummary) string {
	var sb strings.Builder
	sb.WriteString("Eres el asesor academico de la plataforma de cursos. Ayudas al estudiante a elegir su proxima formacion.\n\n")

	if len(courses) == 0 {
		sb.WriteString("No se encontro ningun curso que coincida con la consulta. ")
		sb.WriteString("Asesora de forma general sobre rutas de aprendizaje y sugiere al estudiante reformular su busqueda.")
		return sb.String()
	}

	sb.WriteString("Cursos del catalogo relevantes a la consulta:\n")
	for i, c := range courses {
		sb.WriteString(fmt.Sprintf("%d. **%s** (nivel: %s)\n", i+1, c.Title, c.Level))
		sb.WriteString(fmt.Sprintf("   %s\n", c.Description))
		sb.WriteString(fmt.Sprintf("   Enlace: "+courseLinkFormat+"\n", c.CourseID))
	}
	sb.WriteString("\nToda recomendacion de un curso DEBE incluir su enlace en el formato markdown de arriba. ")
	sb.WriteString("No inventes cursos fuera de esta lista.")
	return sb.String()
}

// persistMessage guarda un mensaje y actualiza la actividad de la sesion.
// Best-effort declarado: un fallo de almacenamiento se loguea y nunca tumba
// un turno que ya es visible para el usuario.
func (o *ChatOrchestrator) persistMessage(ctx context.Context, msg domain.ChatMessage) {
	if err := o.messages.Create(ctx, msg); err != nil {
		o.logger.Error("message persist failed",
			zap.String("session_id", msg.SessionID),
			zap.String("sender", msg.Sender),
			zap.Error(err),
		)
		return
	}
	if err := o.sessions.TouchActivity(ctx, msg.SessionID, msg.CreatedAt); err != nil {
		o.logger.Warn("session activity touch failed", zap.String("session_id", msg.SessionID), zap.Error(err))
	}
}

// persistBotMessage guarda la respuesta del bot con un contexto propio: el
// del request puede estar ya cancelado cuando termina el stream.
func (o *ChatOrchestrator) persistBotMessage(_ context.Context, sessionID, content string) domain.ChatMessage {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	botMsg := domain.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    domain.SenderBot,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	o.persistMessage(saveCtx, botMsg)
	return botMsg
}

// fallbackTurn persiste la disculpa fija como unico mensaje BOT del turno.
func (o *ChatOrchestrator) fallbackTurn(session domain.ChatSession) TurnResult {
	botMsg := o.persistBotMessage(context.Background(), session.ID, o.fallbackMessage)
	return TurnResult{Session: session, BotMessage: botMsg, Fallback: true}
}
