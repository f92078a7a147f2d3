// Package staging resolves which NPCs populate a region when a player
// character arrives. Resolution combines schedule rules with optional LLM
// suggestions, routes the combined proposal through the approval queue, and
// caches the approved set so repeated arrivals do not re-stage the region.
package staging

import (
	"time"

	"github.com/wrldbldr/stagegate/service/approval"
)

func init() {
	approval.RegisterPayload(approval.KindStagingProposal, ProposalData{})
}

// StagedNpc is one NPC in a proposed or active staging.
type StagedNpc struct {
	CharacterID       string `json:"characterId"`
	Name              string `json:"name,omitempty"`
	Present           bool   `json:"present"`
	Mood              string `json:"mood,omitempty"`
	Reasoning         string `json:"reasoning,omitempty"`
	HiddenFromPlayers bool   `json:"hiddenFromPlayers,omitempty"`
	SpriteAsset       string `json:"spriteAsset,omitempty"`
	PortraitAsset     string `json:"portraitAsset,omitempty"`
}

// GameTime is the in-world clock position a staging was computed for.
type GameTime struct {
	Day    int  `json:"day"`
	Hour   int  `json:"hour"`
	Minute int  `json:"minute"`
	Paused bool `json:"paused,omitempty"`
}

// WaitingPc identifies a player character blocked on the staging decision.
type WaitingPc struct {
	PcID     string `json:"pcId"`
	PcName   string `json:"pcName,omitempty"`
	PlayerID string `json:"playerId,omitempty"`
}

// ProposalData is the approval payload for a staging proposal. RuleBased and
// Suggested are kept separate so the DM sees which NPCs the schedule placed
// and which the model added.
type ProposalData struct {
	RegionID     string        `json:"regionId"`
	RegionName   string        `json:"regionName,omitempty"`
	LocationID   string        `json:"locationId,omitempty"`
	LocationName string        `json:"locationName,omitempty"`
	RuleBased    []StagedNpc   `json:"ruleBased"`
	Suggested    []StagedNpc   `json:"suggested,omitempty"`
	GameTime     GameTime      `json:"gameTime"`
	TTL          time.Duration `json:"ttl,omitempty"`
	WaitingPcs   []WaitingPc   `json:"waitingPcs,omitempty"`
}

// ActiveStaging is the approved NPC set for a region, valid until ExpiresAt.
type ActiveStaging struct {
	RegionID   string
	Npcs       []StagedNpc
	Source     approval.DecisionKind
	ApprovedAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the staging is stale at t.
func (a *ActiveStaging) Expired(t time.Time) bool {
	return !a.ExpiresAt.IsZero() && !t.Before(a.ExpiresAt)
}

// Npc returns the staged entry for characterID.
func (a *ActiveStaging) Npc(characterID string) (*StagedNpc, bool) {
	for i := range a.Npcs {
		if a.Npcs[i].CharacterID == characterID {
			return &a.Npcs[i], true
		}
	}
	return nil, false
}

// NpcProfile is the directory record used to enrich rule-based entries with
// display data.
type NpcProfile struct {
	CharacterID   string
	Name          string
	DefaultMood   string
	SpriteAsset   string
	PortraitAsset string
}

// Result reports the outcome of a Stage call.
type Result struct {
	// Staged holds the active NPC set when staging resolved synchronously
	// (cache hit or auto-approval).
	Staged *ActiveStaging
	// Pending is true when a proposal awaits DM review; Staged is nil and
	// ItemID identifies the queued item.
	Pending bool
	ItemID  string
	// Deadline is the review deadline of the pending proposal.
	Deadline *time.Time
}

// Request describes a region arrival that needs staging.
type Request struct {
	WorldID      string
	RegionID     string
	RegionName   string
	LocationID   string
	LocationName string
	GameTime     GameTime
	Pc           WaitingPc
	// Guidance is optional DM or scene context forwarded to the LLM.
	Guidance string
}
