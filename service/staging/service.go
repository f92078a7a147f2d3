package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wrldbldr/stagegate/internal/clock"
	"github.com/wrldbldr/stagegate/policy"
	"github.com/wrldbldr/stagegate/runtime/decider"
	"github.com/wrldbldr/stagegate/service/approval"
	"github.com/wrldbldr/stagegate/service/llm"
	"github.com/wrldbldr/stagegate/service/staging/schedule"
	"github.com/wrldbldr/stagegate/tracing"
)

// CorrelationKey returns the queue correlation key for a region, shared by
// every arrival into that region so only one proposal can be pending at a
// time.
func CorrelationKey(regionID string) string {
	return "staging:" + regionID
}

// DmPresence reports whether a DM is connected to a world; satisfied by
// *broadcast.Dispatcher.
type DmPresence interface {
	DmConnected(worldID string) bool
}

// Directory resolves NPC display data. Lookup returns a nil profile when the
// character is unknown; rule entries then fall back to the bare ID.
type Directory interface {
	Lookup(ctx context.Context, characterID string) (*NpcProfile, error)
}

// Config holds the resolver tunables.
type Config struct {
	// ReviewTimeout bounds how long a proposal may wait for the DM.
	ReviewTimeout time.Duration
	// TTL is how long an approved staging stays valid.
	TTL time.Duration
	// SuggestTimeout bounds the LLM suggestion call.
	SuggestTimeout time.Duration
	// SuggestModel overrides the adapter's default model when set.
	SuggestModel string
}

// Init applies defaults.
func (c *Config) Init() {
	if c.ReviewTimeout <= 0 {
		c.ReviewTimeout = 30 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 3 * time.Hour
	}
	if c.SuggestTimeout <= 0 {
		c.SuggestTimeout = 10 * time.Second
	}
}

// Resolver stages regions. It owns the per-region cache of approved stagings
// and acts as the applier for staging proposals.
type Resolver struct {
	store     approval.Store
	decide    *decider.Service
	presence  DmPresence
	rules     *schedule.Book
	port      llm.Port
	directory Directory
	policy    *policy.Policy
	config    Config
	logger    *slog.Logger

	mu     sync.RWMutex
	active map[string]*ActiveStaging
}

// Option customizes the resolver.
type Option func(*Resolver)

// WithLLM attaches a suggestion port; without one stagings are rule-based
// only.
func WithLLM(port llm.Port) Option {
	return func(r *Resolver) { r.port = port }
}

// WithDirectory attaches an NPC directory for display-data enrichment.
func WithDirectory(directory Directory) Option {
	return func(r *Resolver) { r.directory = directory }
}

// WithPolicy sets the review policy; nil falls back to policy.Default().
func WithPolicy(p *policy.Policy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a resolver. The decider is required because staging can
// short-circuit its own approval when policy allows it.
func New(store approval.Store, decide *decider.Service, presence DmPresence, rules *schedule.Book, config Config, options ...Option) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("approval store is required")
	}
	if decide == nil {
		return nil, fmt.Errorf("decider is required")
	}
	if presence == nil {
		return nil, fmt.Errorf("dm presence source is required")
	}
	if rules == nil {
		rules, _ = schedule.NewBook()
	}
	config.Init()
	r := &Resolver{
		store:    store,
		decide:   decide,
		presence: presence,
		rules:    rules,
		policy:   policy.Default(),
		config:   config,
		logger:   slog.Default(),
		active:   make(map[string]*ActiveStaging),
	}
	for _, option := range options {
		option(r)
	}
	return r, nil
}

// Stage resolves the NPC set for a region arrival. A valid cached staging is
// returned immediately. Otherwise a proposal is built from schedule rules
// plus optional LLM suggestions and queued for review; when policy permits
// and no DM is connected the proposal is auto-approved in-line.
func (r *Resolver) Stage(ctx context.Context, request *Request) (result *Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Stage", "INTERNAL")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"world.id": request.WorldID, "region.id": request.RegionID})

	if request.WorldID == "" || request.RegionID == "" {
		return nil, fmt.Errorf("world and region are required")
	}

	now := clock.Now()
	if staging, ok := r.Current(request.RegionID); ok && !staging.Expired(now) {
		return &Result{Staged: staging}, nil
	}

	payload := &ProposalData{
		RegionID:     request.RegionID,
		RegionName:   request.RegionName,
		LocationID:   request.LocationID,
		LocationName: request.LocationName,
		RuleBased:    r.ruleBased(ctx, request.RegionID, request.GameTime.Hour),
		GameTime:     request.GameTime,
		TTL:          r.config.TTL,
	}
	if request.Pc.PcID != "" {
		payload.WaitingPcs = []WaitingPc{request.Pc}
	}
	if r.port != nil {
		payload.Suggested = r.suggest(ctx, request, payload.RuleBased)
	}

	item, err := approval.NewItem(request.WorldID, approval.KindStagingProposal, approval.UrgencyAwaitingPlayer, payload)
	if err != nil {
		return nil, err
	}
	item.WithCorrelation(CorrelationKey(request.RegionID)).WithDeadline(now.Add(r.config.ReviewTimeout))

	if err = r.store.Enqueue(ctx, item); err != nil {
		if errors.Is(err, approval.ErrDuplicatePending) {
			// Another arrival already queued this region; callers wait on
			// the same decision.
			if pending, ok := r.pendingFor(ctx, request.WorldID, request.RegionID); ok {
				return &Result{Pending: true, ItemID: pending.ID, Deadline: pending.ExpiresAt}, nil
			}
			return &Result{Pending: true}, nil
		}
		return nil, err
	}

	if !r.presence.DmConnected(request.WorldID) && r.policy.ApprovesWithoutDm(approval.KindStagingProposal) {
		outcome, err := r.decide.AutoApprove(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		staging, _ := r.Current(request.RegionID)
		return &Result{Staged: staging, ItemID: outcome.Item.ID}, nil
	}

	r.logger.Info("staging proposal queued",
		"world", request.WorldID, "region", request.RegionID,
		"item", item.ID, "ruleBased", len(payload.RuleBased), "suggested", len(payload.Suggested))
	return &Result{Pending: true, ItemID: item.ID, Deadline: item.ExpiresAt}, nil
}

// Apply installs a resolved staging proposal; registered with the decider for
// KindStagingProposal. Timed-out and rejected proposals fall back to the
// rule-based set so arrivals are never blocked permanently.
func (r *Resolver) Apply(ctx context.Context, item *approval.Item) error {
	decoded, err := item.DecodePayload()
	if err != nil {
		return err
	}
	payload, ok := decoded.(*ProposalData)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for item %v", decoded, item.ID)
	}
	if item.Decision == nil {
		return fmt.Errorf("item %v has no decision", item.ID)
	}

	npcs := r.finalSet(payload, item.Decision)
	now := clock.Now()
	ttl := payload.TTL
	if ttl <= 0 {
		ttl = r.config.TTL
	}
	staging := &ActiveStaging{
		RegionID:   payload.RegionID,
		Npcs:       npcs,
		Source:     item.Decision.Kind,
		ApprovedAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	r.mu.Lock()
	r.active[payload.RegionID] = staging
	r.mu.Unlock()

	r.logger.Info("staging installed",
		"world", item.WorldID, "region", payload.RegionID,
		"npcs", len(npcs), "source", item.Decision.Kind)
	return nil
}

// finalSet picks the installed NPC set for a decision.
func (r *Resolver) finalSet(payload *ProposalData, decision *approval.Decision) []StagedNpc {
	switch decision.Kind {
	case approval.DecisionReject, approval.DecisionTimedOut, approval.DecisionAutoApproved:
		// No DM curation available: the schedule is the safe default.
		return presentOnly(payload.RuleBased)
	}
	if len(decision.ApprovedNpcs) > 0 {
		return r.curated(payload, decision.ApprovedNpcs)
	}
	return presentOnly(merge(payload.RuleBased, payload.Suggested))
}

// curated maps the DM's explicit picks back onto proposal entries so display
// data survives the round trip.
func (r *Resolver) curated(payload *ProposalData, picks []approval.ApprovedNpc) []StagedNpc {
	proposed := merge(payload.RuleBased, payload.Suggested)
	byID := make(map[string]StagedNpc, len(proposed))
	for _, npc := range proposed {
		byID[npc.CharacterID] = npc
	}
	var out []StagedNpc
	for _, pick := range picks {
		if !pick.Present {
			continue
		}
		npc, ok := byID[pick.CharacterID]
		if !ok {
			npc = StagedNpc{CharacterID: pick.CharacterID}
		}
		npc.Present = true
		if pick.Mood != "" {
			npc.Mood = pick.Mood
		}
		if pick.Reasoning != "" {
			npc.Reasoning = pick.Reasoning
		}
		npc.HiddenFromPlayers = pick.HiddenFromPlayers
		out = append(out, npc)
	}
	return out
}

// Current returns the active staging for a region when present.
func (r *Resolver) Current(regionID string) (*ActiveStaging, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	staging, ok := r.active[regionID]
	return staging, ok
}

// NpcPresent reports whether characterID is staged and visible in regionID.
func (r *Resolver) NpcPresent(regionID, characterID string) bool {
	staging, ok := r.Current(regionID)
	if !ok || staging.Expired(clock.Now()) {
		return false
	}
	npc, ok := staging.Npc(characterID)
	return ok && npc.Present
}

// Invalidate drops the cached staging for a region, forcing the next arrival
// to re-stage.
func (r *Resolver) Invalidate(regionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, regionID)
}

// ruleBased evaluates the schedule book at the given hour and enriches
// matches from the directory.
func (r *Resolver) ruleBased(ctx context.Context, regionID string, hour int) []StagedNpc {
	var out []StagedNpc
	for _, rule := range r.rules.ActiveAt(regionID, hour) {
		npc := StagedNpc{
			CharacterID: rule.NpcID,
			Name:        rule.NpcID,
			Present:     true,
			Mood:        rule.Mood,
			Reasoning:   "scheduled presence",
		}
		if r.directory != nil {
			if profile, err := r.directory.Lookup(ctx, rule.NpcID); err == nil && profile != nil {
				if profile.Name != "" {
					npc.Name = profile.Name
				}
				if npc.Mood == "" {
					npc.Mood = profile.DefaultMood
				}
				npc.SpriteAsset = profile.SpriteAsset
				npc.PortraitAsset = profile.PortraitAsset
			}
		}
		out = append(out, npc)
	}
	return out
}

const suggestPrompt = `You populate a tabletop RPG scene. Given the location and the NPCs already
placed by schedule, suggest up to 3 additional NPCs that would plausibly be
present, or an empty list. Respond with a JSON array only, each element:
{"characterId": string, "mood": string, "reasoning": string}.`

// suggest asks the LLM for additional NPCs. Failures degrade to an empty
// list; staging never depends on model availability.
func (r *Resolver) suggest(ctx context.Context, request *Request, ruleBased []StagedNpc) []StagedNpc {
	ctx, cancel := context.WithTimeout(ctx, r.config.SuggestTimeout)
	defer cancel()

	var placed []string
	for _, npc := range ruleBased {
		placed = append(placed, npc.CharacterID)
	}
	user := fmt.Sprintf("Location: %s (%s), hour %d. Already placed: %s.",
		request.LocationName, request.RegionName, request.GameTime.Hour, strings.Join(placed, ", "))
	if request.Guidance != "" {
		user += " Scene guidance: " + request.Guidance
	}

	response, err := r.port.Generate(ctx, &llm.Request{
		Model: r.config.SuggestModel,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: suggestPrompt},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		r.logger.Warn("staging suggestions unavailable", "region", request.RegionID, "error", err)
		return nil
	}
	suggestions, err := parseSuggestions(response.Content)
	if err != nil {
		r.logger.Warn("discarding malformed staging suggestions", "region", request.RegionID, "error", err)
		return nil
	}

	// Rule placements win over suggestions for the same character.
	seen := make(map[string]bool, len(ruleBased))
	for _, npc := range ruleBased {
		seen[npc.CharacterID] = true
	}
	var out []StagedNpc
	for _, npc := range suggestions {
		if npc.CharacterID == "" || seen[npc.CharacterID] {
			continue
		}
		seen[npc.CharacterID] = true
		npc.Present = true
		if npc.Name == "" {
			npc.Name = npc.CharacterID
		}
		out = append(out, npc)
	}
	return out
}

// parseSuggestions extracts the first JSON array from model output, tolerating
// surrounding prose.
func parseSuggestions(content string) ([]StagedNpc, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array in model output")
	}
	var out []StagedNpc
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) pendingFor(ctx context.Context, worldID, regionID string) (*approval.Item, bool) {
	items, err := r.store.ListPending(ctx, worldID)
	if err != nil {
		return nil, false
	}
	key := CorrelationKey(regionID)
	for _, item := range items {
		if item.CorrelationKey == key {
			return item, true
		}
	}
	return nil, false
}

func presentOnly(npcs []StagedNpc) []StagedNpc {
	var out []StagedNpc
	for _, npc := range npcs {
		if npc.Present {
			out = append(out, npc)
		}
	}
	return out
}

func merge(ruleBased, suggested []StagedNpc) []StagedNpc {
	out := make([]StagedNpc, 0, len(ruleBased)+len(suggested))
	seen := make(map[string]bool, len(ruleBased))
	for _, npc := range ruleBased {
		seen[npc.CharacterID] = true
		out = append(out, npc)
	}
	for _, npc := range suggested {
		if seen[npc.CharacterID] {
			continue
		}
		out = append(out, npc)
	}
	return out
}
