package approval

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/viant/x"
)

// payloadTypes maps item kinds onto their Go payload types. Producers own
// their payload structs and register them here (the staging and conversation
// services register theirs at init); generic payloads are registered below.
var payloadTypes = x.NewRegistry()

// RegisterPayload binds a kind to the Go type of its payload. prototype is a
// zero value of the payload struct.
func RegisterPayload(kind Kind, prototype any) {
	t := x.NewType(reflect.TypeOf(prototype), x.WithName(string(kind)))
	// Registry keys entries by PkgPath+"."+Name; clear PkgPath so the key
	// collapses to the bare kind name that PayloadType looks up.
	t.PkgPath = ""
	payloadTypes.Register(t)
}

// PayloadType returns the registered payload type for a kind.
func PayloadType(kind Kind) (reflect.Type, error) {
	t := payloadTypes.Lookup(string(kind))
	if t == nil {
		return nil, fmt.Errorf("no payload type registered for kind %q", kind)
	}
	return t.Type, nil
}

// DecodePayload materializes the item's payload as its registered Go type,
// returned as a pointer to the payload struct.
func (i *Item) DecodePayload() (any, error) {
	rType, err := PayloadType(i.Kind)
	if err != nil {
		return nil, err
	}
	value := reflect.New(rType).Interface()
	if len(i.Payload) > 0 {
		if err := json.Unmarshal(i.Payload, value); err != nil {
			return nil, fmt.Errorf("decode %s payload of item %s: %w", i.Kind, i.ID, err)
		}
	}
	return value, nil
}

// ProposedTool describes one tool call the LLM wants to make on behalf of an
// NPC (give item, reveal secret, ...). Arguments stay raw until the applier
// for the tool interprets them.
type ProposedTool struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// ToolUsageData is the payload of a KindToolUsage item: a single tool call
// proposed outside a dialogue turn.
type ToolUsageData struct {
	NpcID   string       `json:"npcId,omitempty"`
	NpcName string       `json:"npcName,omitempty"`
	Tool    ProposedTool `json:"tool"`
	Reason  string       `json:"reason,omitempty"`
}

// ChallengeOutcomes carries the branch descriptions of a suggested challenge.
type ChallengeOutcomes struct {
	Success         string `json:"success,omitempty"`
	Failure         string `json:"failure,omitempty"`
	CriticalSuccess string `json:"criticalSuccess,omitempty"`
	CriticalFailure string `json:"criticalFailure,omitempty"`
}

// ChallengeSuggestionData is the payload of a KindChallengeSuggestion item.
type ChallengeSuggestionData struct {
	ChallengeID       string             `json:"challengeId"`
	ChallengeName     string             `json:"challengeName"`
	SkillName         string             `json:"skillName,omitempty"`
	DifficultyDisplay string             `json:"difficultyDisplay,omitempty"`
	Confidence        string             `json:"confidence,omitempty"`
	Reasoning         string             `json:"reasoning,omitempty"`
	TargetPcID        string             `json:"targetPcId,omitempty"`
	Outcomes          *ChallengeOutcomes `json:"outcomes,omitempty"`
}

// SceneTransitionData is the payload of a KindSceneTransition item.
type SceneTransitionData struct {
	SceneID   string `json:"sceneId"`
	SceneName string `json:"sceneName,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ChallengeOutcomeData is the payload of a KindChallengeOutcome item: a
// resolved roll with its proposed narrative outcome.
type ChallengeOutcomeData struct {
	ResolutionID       string         `json:"resolutionId"`
	ChallengeID        string         `json:"challengeId"`
	ChallengeName      string         `json:"challengeName,omitempty"`
	SkillName          string         `json:"skillName,omitempty"`
	CharacterID        string         `json:"characterId"`
	CharacterName      string         `json:"characterName,omitempty"`
	Roll               int            `json:"roll"`
	Modifier           int            `json:"modifier"`
	Total              int            `json:"total"`
	OutcomeType        string         `json:"outcomeType"`
	OutcomeDescription string         `json:"outcomeDescription,omitempty"`
	OutcomeTriggers    []ProposedTool `json:"outcomeTriggers,omitempty"`
	RollBreakdown      string         `json:"rollBreakdown,omitempty"`
	Suggestions        []string       `json:"suggestions,omitempty"`
}

// AssetGenerationData is the payload of a KindAssetGeneration item: an
// image-generation request gated behind approval. The generation client is an
// external collaborator; this core only queues and resolves the request.
type AssetGenerationData struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	WorkflowID string `json:"workflowId,omitempty"`
	Prompt     string `json:"prompt"`
	Count      int    `json:"count,omitempty"`
}

func init() {
	RegisterPayload(KindToolUsage, ToolUsageData{})
	RegisterPayload(KindChallengeSuggestion, ChallengeSuggestionData{})
	RegisterPayload(KindSceneTransition, SceneTransitionData{})
	RegisterPayload(KindChallengeOutcome, ChallengeOutcomeData{})
	RegisterPayload(KindAssetGeneration, AssetGenerationData{})
}
