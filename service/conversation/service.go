package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wrldbldr/stagegate/internal/clock"
	"github.com/wrldbldr/stagegate/internal/idgen"
	"github.com/wrldbldr/stagegate/service/approval"
	"github.com/wrldbldr/stagegate/service/broadcast"
	"github.com/wrldbldr/stagegate/service/dao"
	"github.com/wrldbldr/stagegate/service/llm"
	"github.com/wrldbldr/stagegate/tracing"
)

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded indicates the session was already ended.
	ErrSessionEnded = errors.New("session has ended")
	// ErrNpcNotPresent indicates the NPC is not staged in the PC's region.
	ErrNpcNotPresent = errors.New("npc is not present in the region")
	// ErrTurnPending indicates a reply for this conversation already awaits
	// review.
	ErrTurnPending = errors.New("a reply is already pending review")
)

// NpcPresence answers whether an NPC is currently staged in a region;
// satisfied by *staging.Resolver.
type NpcPresence interface {
	NpcPresent(regionID, characterID string) bool
}

// Broadcaster delivers approved dialogue; satisfied by
// *broadcast.Dispatcher.
type Broadcaster interface {
	Broadcast(ctx context.Context, worldID string, audience broadcast.Audience, msg *broadcast.Message) error
}

// Config holds the orchestrator tunables.
type Config struct {
	// HistoryTurns caps how many committed turns feed the prompt; older
	// turns are dropped first.
	HistoryTurns int
	// ReviewTimeout bounds how long a proposed reply may wait for the DM.
	ReviewTimeout time.Duration
	// Model overrides the adapter's default model when set.
	Model string
	// SystemPrompt frames the NPC role for the model.
	SystemPrompt string
}

// Init applies defaults.
func (c *Config) Init() {
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 20
	}
	if c.ReviewTimeout <= 0 {
		c.ReviewTimeout = 2 * time.Minute
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
}

const defaultSystemPrompt = `You roleplay a tabletop RPG NPC. Reply in character with the NPC's next
line of dialogue only. Use the provided tools when the NPC should act, not
just speak.`

// Orchestrator runs dialogue sessions and acts as the applier for NPC
// response items.
type Orchestrator struct {
	store       approval.Store
	port        llm.Port
	presence    NpcPresence
	broadcaster Broadcaster
	config      Config
	logger      *slog.Logger
	tools       []llm.ToolSpec

	sessions *sessionDAO

	mu     sync.RWMutex
	byPair map[string]*Session
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithPresence attaches a staging presence check; without one any NPC can be
// addressed.
func WithPresence(presence NpcPresence) Option {
	return func(o *Orchestrator) { o.presence = presence }
}

// WithTools declares the tool specs offered to the model on every turn.
func WithTools(tools ...llm.ToolSpec) Option {
	return func(o *Orchestrator) { o.tools = tools }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator.
func New(store approval.Store, port llm.Port, broadcaster Broadcaster, config Config, options ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("approval store is required")
	}
	if port == nil {
		return nil, fmt.Errorf("llm port is required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	config.Init()
	o := &Orchestrator{
		store:       store,
		port:        port,
		broadcaster: broadcaster,
		config:      config,
		logger:      slog.Default(),
		sessions:    newSessionDAO(),
		byPair:      make(map[string]*Session),
	}
	for _, option := range options {
		option(o)
	}
	return o, nil
}

// StartRequest opens or resumes a conversation.
type StartRequest struct {
	WorldID  string
	RegionID string
	PcID     string
	PcName   string
	NpcID    string
	NpcName  string
	Message  string
}

// TurnResult reports a submitted player message and the queued reply.
type TurnResult struct {
	// Session is a detached copy; the live session keeps changing as
	// decisions land.
	Session *Session
	// ItemID identifies the approval item holding the proposed NPC reply.
	ItemID string
}

// Start begins a conversation, or resumes the active session for the same
// PC-NPC pair, and submits the opening message. The NPC must be staged in
// the region when a presence source is configured.
func (o *Orchestrator) Start(ctx context.Context, request *StartRequest) (result *TurnResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "conversation.Start", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	if request.WorldID == "" || request.PcID == "" || request.NpcID == "" {
		return nil, fmt.Errorf("world, pc and npc are required")
	}
	if o.presence != nil && !o.presence.NpcPresent(request.RegionID, request.NpcID) {
		return nil, fmt.Errorf("npc %v in region %v: %w", request.NpcID, request.RegionID, ErrNpcNotPresent)
	}

	session, err := o.activeSession(ctx, request)
	if err != nil {
		return nil, err
	}
	return o.submitTurn(ctx, session, request.Message)
}

// Continue submits another player message to an existing session.
func (o *Orchestrator) Continue(ctx context.Context, sessionID, message string) (result *TurnResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "conversation.Continue", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()

	session, err := o.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.mu.Lock()
	ended := session.Ended
	session.mu.Unlock()
	if ended {
		return nil, fmt.Errorf("session %v: %w", sessionID, ErrSessionEnded)
	}
	if o.presence != nil && !o.presence.NpcPresent(session.RegionID, session.NpcID) {
		return nil, fmt.Errorf("npc %v in region %v: %w", session.NpcID, session.RegionID, ErrNpcNotPresent)
	}
	return o.submitTurn(ctx, session, message)
}

// End terminates a session. Ending an already-ended or unknown session is a
// no-op so disconnect handlers can call it blindly.
func (o *Orchestrator) End(ctx context.Context, sessionID string) {
	session, err := o.sessions.Load(ctx, sessionID)
	if err != nil || session == nil {
		return
	}
	session.mu.Lock()
	ended := session.Ended
	if !ended {
		session.Ended = true
		session.LastActiveAt = clock.Now()
	}
	session.mu.Unlock()
	if ended {
		return
	}
	o.mu.Lock()
	key := pairKey(session.PcID, session.NpcID)
	if o.byPair[key] == session {
		delete(o.byPair, key)
	}
	o.mu.Unlock()
	o.logger.Info("conversation ended", "session", sessionID, "pc", session.PcID, "npc", session.NpcID)
}

// Session returns a copy of the session, or ErrSessionNotFound.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*Session, error) {
	session, err := o.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

// Sessions lists sessions matching the dao parameters, e.g.
// dao.NewParameter("State", conversation.StateActive). Copies are returned.
func (o *Orchestrator) Sessions(ctx context.Context, parameters ...*dao.Parameter) ([]*Session, error) {
	sessions, err := o.sessions.List(ctx, parameters...)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Clone())
	}
	return out, nil
}

// activeSession returns the live session for the pair, creating one when
// needed. A PC re-addressing the same NPC always lands in the same session.
func (o *Orchestrator) activeSession(ctx context.Context, request *StartRequest) (*Session, error) {
	key := pairKey(request.PcID, request.NpcID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if session, ok := o.byPair[key]; ok {
		return session, nil
	}
	now := clock.Now()
	session := &Session{
		ID:           idgen.New(),
		WorldID:      request.WorldID,
		PcID:         request.PcID,
		PcName:       request.PcName,
		NpcID:        request.NpcID,
		NpcName:      request.NpcName,
		RegionID:     request.RegionID,
		StartedAt:    now,
		LastActiveAt: now,
	}
	if err := o.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	o.byPair[key] = session
	return session, nil
}

func (o *Orchestrator) session(ctx context.Context, sessionID string) (*Session, error) {
	session, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %v: %w", sessionID, ErrSessionNotFound)
	}
	return session, nil
}

// submitTurn commits the player message, generates the proposed NPC reply
// and queues it for review. The session lock covers only the history
// mutation and the prompt snapshot; generation runs unlocked so reads and
// other sessions proceed while a reply is in flight. One pending reply per
// conversation is enforced by the correlation key at Enqueue, not by the
// lock.
func (o *Orchestrator) submitTurn(ctx context.Context, session *Session, message string) (*TurnResult, error) {
	session.mu.Lock()
	now := clock.Now()
	session.Turns = append(session.Turns, Turn{
		Speaker:   SpeakerPc,
		SpeakerID: session.PcID,
		Text:      message,
		At:        now,
	})
	session.LastActiveAt = now
	o.truncateLocked(session)
	prompt := o.promptLocked(session)
	session.mu.Unlock()

	response, err := o.port.Generate(ctx, &llm.Request{
		Model:    o.config.Model,
		Messages: prompt,
		Tools:    o.tools,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate reply for npc %v: %w", session.NpcID, err)
	}

	payload := &NpcResponseData{
		SessionID:        session.ID,
		PcID:             session.PcID,
		PcName:           session.PcName,
		NpcID:            session.NpcID,
		NpcName:          session.NpcName,
		RegionID:         session.RegionID,
		PlayerMessage:    message,
		ProposedDialogue: response.Content,
	}
	for _, call := range response.ToolCalls {
		payload.ProposedTools = append(payload.ProposedTools, approval.ProposedTool{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: json.RawMessage(call.Arguments),
		})
	}

	item, err := approval.NewItem(session.WorldID, approval.KindNpcResponse, approval.UrgencyAwaitingPlayer, payload)
	if err != nil {
		return nil, err
	}
	item.WithCorrelation(CorrelationKey(session.PcID, session.NpcID)).
		WithDeadline(now.Add(o.config.ReviewTimeout))

	if err = o.store.Enqueue(ctx, item); err != nil {
		if errors.Is(err, approval.ErrDuplicatePending) {
			return nil, fmt.Errorf("conversation %v: %w", session.ID, ErrTurnPending)
		}
		return nil, err
	}

	o.logger.Info("npc reply queued for review",
		"session", session.ID, "npc", session.NpcID, "item", item.ID, "tools", len(payload.ProposedTools))
	return &TurnResult{Session: session.Clone(), ItemID: item.ID}, nil
}

// Apply commits a resolved NPC reply to its session and broadcasts it;
// registered with the decider for KindNpcResponse. Applying onto an ended
// session fails, which the decider records as an application failure.
func (o *Orchestrator) Apply(ctx context.Context, item *approval.Item) error {
	decoded, err := item.DecodePayload()
	if err != nil {
		return err
	}
	payload, ok := decoded.(*NpcResponseData)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for item %v", decoded, item.ID)
	}
	if item.Decision == nil {
		return fmt.Errorf("item %v has no decision", item.ID)
	}

	decision := item.Decision
	if !decision.Approved() {
		// Rejections and timeouts commit nothing; the player simply gets no
		// reply.
		return nil
	}

	session, err := o.session(ctx, payload.SessionID)
	if err != nil {
		return err
	}

	turn, err := o.commitReply(session, payload, decision)
	if err != nil {
		return err
	}
	o.broadcastReply(ctx, item, payload, decision, turn)
	return nil
}

func (o *Orchestrator) commitReply(session *Session, payload *NpcResponseData, decision *approval.Decision) (*Turn, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.Ended {
		return nil, fmt.Errorf("session %v: %w", session.ID, ErrSessionEnded)
	}

	turn := Turn{
		Speaker:   SpeakerNpc,
		SpeakerID: payload.NpcID,
		Text:      payload.ProposedDialogue,
		At:        clock.Now(),
	}
	switch decision.Kind {
	case approval.DecisionAcceptWithModification:
		turn.Text = decision.ModifiedDialogue
	case approval.DecisionTakeOver:
		turn.Speaker = SpeakerDm
		turn.SpeakerID = decision.DecidedBy
		turn.Text = decision.DmResponse
	}

	session.Turns = append(session.Turns, turn)
	session.LastActiveAt = turn.At
	o.truncateLocked(session)
	return &turn, nil
}

// dialogueNotice is the player-facing dialogue envelope.
type dialogueNotice struct {
	SessionID string                  `json:"sessionId"`
	NpcID     string                  `json:"npcId"`
	NpcName   string                  `json:"npcName,omitempty"`
	Turn      *Turn                   `json:"turn"`
	Tools     []approval.ProposedTool `json:"tools,omitempty"`
}

func (o *Orchestrator) broadcastReply(ctx context.Context, item *approval.Item, payload *NpcResponseData, decision *approval.Decision, turn *Turn) {
	tools := payload.ProposedTools
	if len(decision.ApprovedTools) > 0 {
		tools = filterTools(payload.ProposedTools, decision.ApprovedTools)
	}
	msg, err := broadcast.NewMessage("conversation.turn", item.WorldID, &dialogueNotice{
		SessionID: payload.SessionID,
		NpcID:     payload.NpcID,
		NpcName:   payload.NpcName,
		Turn:      turn,
		Tools:     tools,
	})
	if err != nil {
		return
	}

	audience := broadcast.All()
	if decision.Kind == approval.DecisionAcceptWithRecipients {
		if recipients := decision.ItemRecipients[item.ID]; len(recipients) > 0 {
			audience = broadcast.Specific(recipients...)
		}
	}
	// Best-effort: delivery failures never fail the decision.
	_ = o.broadcaster.Broadcast(ctx, item.WorldID, audience, msg)
}

func filterTools(proposed []approval.ProposedTool, approved []string) []approval.ProposedTool {
	keep := make(map[string]bool, len(approved))
	for _, id := range approved {
		keep[id] = true
	}
	var out []approval.ProposedTool
	for _, tool := range proposed {
		if keep[tool.ID] {
			out = append(out, tool)
		}
	}
	return out
}

// promptLocked renders the session history as chat messages; the caller
// holds session.mu.
func (o *Orchestrator) promptLocked(session *Session) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(session.Turns)+1)
	system := o.config.SystemPrompt
	if session.NpcName != "" {
		system += fmt.Sprintf(" You are %s.", session.NpcName)
	}
	messages = append(messages, llm.ChatMessage{Role: "system", Content: system})
	for _, turn := range session.Turns {
		role := "assistant"
		if turn.Speaker == SpeakerPc {
			role = "user"
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: turn.Text})
	}
	return messages
}

// truncateLocked drops the oldest turns beyond the history cap; the caller
// holds session.mu.
func (o *Orchestrator) truncateLocked(session *Session) {
	if excess := len(session.Turns) - o.config.HistoryTurns; excess > 0 {
		session.Turns = append([]Turn(nil), session.Turns[excess:]...)
	}
}

func pairKey(pcID, npcID string) string {
	return pcID + "\x00" + npcID
}
