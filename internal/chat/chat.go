// Package chat orchestrates conversation turns: retrieve, prompt, stream,
// persist.
//
// Grounded turns answer from the owner's indexed documents. When
// retrieval finds nothing above the score floor the orchestrator refuses
// outright instead of letting the model guess, and the refusal is
// persisted like any other turn. Open turns skip retrieval and answer
// from conversation history alone, without citations. Streaming failures
// before the first fragment retry transparently; after the first fragment
// the partial answer is kept and marked truncated, because the client has
// already seen it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/log"
	"github.com/corvid-labs/grounder/internal/retrieval"
	"github.com/corvid-labs/grounder/internal/session"
)

var (
	// ErrEmptyInput reports a blank user message.
	ErrEmptyInput = errors.New("chat: empty input")

	// ErrInvalidMode reports an unknown turn mode.
	ErrInvalidMode = errors.New("chat: invalid mode")
)

// Mode selects how a turn assembles context.
type Mode string

const (
	// ModeGrounded retrieves passages and refuses to answer without them.
	ModeGrounded Mode = "grounded"

	// ModeOpen answers from conversation history alone, with no retrieval
	// and no citations.
	ModeOpen Mode = "open"
)

// NoGroundingResponse is the fixed refusal sent when the owner's indexed
// content has nothing relevant to say.
const NoGroundingResponse = "I don't have any indexed content that answers that. " +
	"Try ingesting the relevant documents first, or rephrase the question."

const systemPromptTemplate = `You are a careful assistant that answers strictly from the provided sources.

Rules:
- Answer only with information supported by the numbered sources below.
- Cite sources inline with their bracketed numbers, e.g. [1].
- If the sources do not answer the question, say so plainly. Never invent facts.

Sources:
%s`

const openSystemPrompt = `You are a helpful assistant. Answer from the conversation so far. If you do not know something, say so plainly.`

const memoriesPromptTemplate = `

Background from earlier conversations (context only, do not cite):
%s`

const (
	titlePrompt            = "Write a title of at most six words for a conversation that starts with this message. Reply with the title only: %s"
	titleInputMaxRunes     = 400
	titleMaxRunes          = 80
	titleGenerationTimeout = 10 * time.Second
	memorySearchTimeout    = 5 * time.Second
	persistTimeout         = 10 * time.Second
)

// StreamFunc receives answer fragments as the model produces them.
type StreamFunc func(fragment string) error

// Response is the outcome of one turn.
type Response struct {
	SessionID uuid.UUID
	TurnID    string

	// MessageID is the persisted assistant message, uuid.Nil when
	// persistence failed or the turn was a duplicate.
	MessageID uuid.UUID

	Text      string
	Citations []retrieval.Citation

	// Grounded is true only for a grounded-mode answer backed by
	// citations; false for open-mode turns and the fixed refusal.
	Grounded bool

	// Truncated marks an answer cut off by a mid-stream failure.
	Truncated bool
}

// Config assembles an Orchestrator.
type Config struct {
	Genkit    *genkit.Genkit
	ModelName string
	Sessions  *session.Store
	Retriever *retrieval.Retriever
	Logger    log.Logger

	// HistoryLimit caps messages loaded per turn. Defaults to 20.
	HistoryLimit int

	Retry   RetryConfig
	Breaker CircuitBreakerConfig
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	g            *genkit.Genkit
	modelName    string
	sessions     *session.Store
	retriever    *retrieval.Retriever
	historyLimit int
	retry        RetryConfig
	breaker      *CircuitBreaker
	logger       log.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Genkit == nil {
		return nil, errors.New("chat: genkit instance is required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("chat: model name is required")
	}
	if cfg.Sessions == nil || cfg.Retriever == nil {
		return nil, errors.New("chat: session store and retriever are required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	return &Orchestrator{
		g:            cfg.Genkit,
		modelName:    cfg.ModelName,
		sessions:     cfg.Sessions,
		retriever:    cfg.Retriever,
		historyLimit: cfg.HistoryLimit,
		retry:        cfg.Retry.withDefaults(),
		breaker:      NewCircuitBreaker(cfg.Breaker),
		logger:       cfg.Logger,
	}, nil
}

// Request describes one turn. TurnID makes retries idempotent: a client
// resending the same turn id gets the stored outcome appended exactly
// once; empty gets a fresh one. An empty Mode means ModeGrounded.
type Request struct {
	OwnerID   string
	SessionID uuid.UUID
	TurnID    string
	Mode      Mode
	Input     string
}

// Send runs one turn. stream may be nil for non-streaming callers.
func (o *Orchestrator) Send(ctx context.Context, req Request, stream StreamFunc) (*Response, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, ErrEmptyInput
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeGrounded
	}
	if mode != ModeGrounded && mode != ModeOpen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	sess, err := o.sessions.Get(ctx, req.SessionID, req.OwnerID)
	if err != nil {
		return nil, err
	}

	// History, grounding and memories load concurrently; each goroutine
	// sends exactly once on a buffered channel.
	type historyResult struct {
		msgs []session.Message
		err  error
	}
	type groundingResult struct {
		g   *retrieval.Grounding
		err error
	}
	type memoryResult struct {
		passages []retrieval.Passage
	}
	historyCh := make(chan historyResult, 1)
	groundingCh := make(chan groundingResult, 1)
	memoryCh := make(chan memoryResult, 1)

	go func() {
		msgs, err := o.sessions.History(ctx, req.SessionID, o.historyLimit)
		historyCh <- historyResult{msgs, err}
	}()
	if mode == ModeGrounded {
		go func() {
			g, err := o.retriever.Retrieve(ctx, req.OwnerID, req.Input, retrieval.Options{})
			groundingCh <- groundingResult{g, err}
		}()
	} else {
		groundingCh <- groundingResult{}
	}
	go func() {
		mctx, cancel := context.WithTimeout(ctx, memorySearchTimeout)
		defer cancel()
		passages, err := o.retriever.RetrieveMemories(mctx, req.OwnerID, req.Input, 3)
		if err != nil {
			o.logger.Debug("memory lookup failed", "error", err)
		}
		memoryCh <- memoryResult{passages}
	}()

	hr := <-historyCh
	if hr.err != nil {
		return nil, fmt.Errorf("loading history: %w", hr.err)
	}
	gr := <-groundingCh
	mr := <-memoryCh

	var sys string
	var citations []retrieval.Citation
	grounded := false
	switch {
	case mode == ModeOpen:
		sys = openSystemPrompt
	case errors.Is(gr.err, retrieval.ErrNoGrounding):
		return o.refuse(ctx, sess, turnID, req.Input, stream, len(hr.msgs) == 0)
	case gr.err != nil:
		return nil, fmt.Errorf("retrieving grounding: %w", gr.err)
	default:
		sys = fmt.Sprintf(systemPromptTemplate, gr.g.Render())
		citations = gr.g.Citations()
		grounded = true
	}

	resp, err := o.generate(ctx, buildMessages(sys, mr.passages, hr.msgs, req.Input), stream)
	if err != nil {
		return nil, err
	}

	result := &Response{
		SessionID: req.SessionID,
		TurnID:    turnID,
		Text:      resp.text,
		Citations: citations,
		Grounded:  grounded,
		Truncated: resp.truncated,
	}
	o.persist(ctx, sess, turnID, req.Input, result, len(hr.msgs) == 0)
	return result, nil
}

// refuse answers a turn with the fixed no-grounding response.
func (o *Orchestrator) refuse(ctx context.Context, sess *session.Session, turnID, input string, stream StreamFunc, firstTurn bool) (*Response, error) {
	if stream != nil {
		if err := stream(NoGroundingResponse); err != nil {
			o.logger.Debug("stream delivery failed", "error", err)
		}
	}
	result := &Response{
		SessionID: sess.ID,
		TurnID:    turnID,
		Text:      NoGroundingResponse,
		Citations: nil,
		Grounded:  false,
	}
	o.persist(ctx, sess, turnID, input, result, firstTurn)
	return result, nil
}

// generationResult carries the text plus whether it was cut short.
type generationResult struct {
	text      string
	truncated bool
}

// generate calls the model with retries that stop the moment any fragment
// has reached the client: from then on a failure yields the partial text
// marked truncated rather than a restarted answer.
func (o *Orchestrator) generate(ctx context.Context, messages []*ai.Message, stream StreamFunc) (generationResult, error) {
	if err := o.breaker.Allow(); err != nil {
		return generationResult{}, err
	}

	var lastErr error
	delay := o.retry.InitialInterval
	for attempt := 0; attempt <= o.retry.MaxRetries; attempt++ {
		var emitted strings.Builder
		opts := []ai.GenerateOption{
			ai.WithModelName(o.modelName),
			ai.WithMessages(messages...),
		}
		if stream != nil {
			opts = append(opts, ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
				fragment := chunkText(chunk)
				if fragment == "" {
					return nil
				}
				emitted.WriteString(fragment)
				return stream(fragment)
			}))
		}

		resp, err := genkit.Generate(ctx, o.g, opts...)
		if err == nil {
			o.breaker.Success()
			text := strings.TrimSpace(resp.Text())
			if text == "" {
				text = NoGroundingResponse
			}
			return generationResult{text: text}, nil
		}
		lastErr = err

		if emitted.Len() > 0 {
			// The client saw part of this answer; keep it.
			o.breaker.Failure()
			o.logger.Warn("generation failed mid-stream, keeping partial answer",
				"emitted_bytes", emitted.Len(), "error", err)
			return generationResult{text: emitted.String(), truncated: true}, nil
		}
		if !retryableError(err) {
			o.breaker.Failure()
			return generationResult{}, fmt.Errorf("generating response: %w", err)
		}

		o.logger.Debug("retrying generation", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return generationResult{}, fmt.Errorf("chat: canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, o.retry.MaxInterval)
		}
	}
	o.breaker.Failure()
	return generationResult{}, fmt.Errorf("generating response after %d retries: %w", o.retry.MaxRetries, lastErr)
}

// persist appends the turn and fills in a missing session title.
// Persistence failures are logged, not returned: the caller already has
// the answer. A duplicate turn id means a retried request whose original
// landed; that is success.
//
// The write runs detached from the request context: a client that
// disconnects mid-stream cancels the request, and the truncated turn
// must still reach the session log.
func (o *Orchestrator) persist(ctx context.Context, sess *session.Session, turnID, input string, result *Response, firstTurn bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	messageID, err := o.sessions.AppendTurn(ctx, sess.ID, session.Turn{
		TurnID:           turnID,
		UserContent:      input,
		AssistantContent: result.Text,
		Citations:        result.Citations,
		Truncated:        result.Truncated,
	})
	switch {
	case errors.Is(err, session.ErrDuplicateTurn):
		o.logger.Debug("turn already persisted", "session_id", sess.ID, "turn_id", turnID)
	case err != nil:
		o.logger.Warn("persisting turn failed", "session_id", sess.ID, "error", err)
	default:
		result.MessageID = messageID
	}

	if firstTurn && sess.Title == "" {
		if title := o.GenerateTitle(ctx, input); title != "" {
			if err := o.sessions.SetTitle(ctx, sess.ID, title); err != nil {
				o.logger.Debug("setting session title failed", "error", err)
			}
		}
	}
}

// GenerateTitle produces a short session title from the opening message.
// Best-effort: failures return an empty string.
func (o *Orchestrator) GenerateTitle(ctx context.Context, userMessage string) string {
	ctx, cancel := context.WithTimeout(ctx, titleGenerationTimeout)
	defer cancel()

	runes := []rune(userMessage)
	if len(runes) > titleInputMaxRunes {
		userMessage = string(runes[:titleInputMaxRunes]) + "..."
	}

	resp, err := genkit.Generate(ctx, o.g,
		ai.WithModelName(o.modelName),
		ai.WithPrompt(titlePrompt, userMessage),
	)
	if err != nil {
		o.logger.Debug("title generation failed", "error", err)
		return ""
	}
	title := strings.TrimSpace(strings.Trim(resp.Text(), `"`))
	if r := []rune(title); len(r) > titleMaxRunes {
		title = string(r[:titleMaxRunes-3]) + "..."
	}
	return title
}

// buildMessages assembles the prompt: system message, prior history, then
// the new input.
func buildMessages(sys string, memories []retrieval.Passage, history []session.Message, input string) []*ai.Message {
	if len(memories) > 0 {
		var b strings.Builder
		for _, p := range memories {
			b.WriteString("- ")
			b.WriteString(p.Content)
			b.WriteString("\n")
		}
		sys += fmt.Sprintf(memoriesPromptTemplate, strings.TrimSpace(b.String()))
	}

	messages := make([]*ai.Message, 0, len(history)+2)
	messages = append(messages, &ai.Message{
		Role:    ai.RoleSystem,
		Content: []*ai.Part{ai.NewTextPart(sys)},
	})
	for _, m := range history {
		switch m.Role {
		case session.RoleUser:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(m.Content)))
		case session.RoleAssistant:
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(m.Content)))
		}
	}
	return append(messages, ai.NewUserMessage(ai.NewTextPart(input)))
}

func chunkText(chunk *ai.ModelResponseChunk) string {
	var b strings.Builder
	for _, p := range chunk.Content {
		if p.Kind == ai.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
