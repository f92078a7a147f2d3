// Package conversation orchestrates player-NPC dialogue. Player messages are
// committed immediately; every NPC reply is generated by the LLM and routed
// through the approval queue before it reaches players.
package conversation

import (
	"sync"
	"time"

	"github.com/wrldbldr/stagegate/service/approval"
)

func init() {
	approval.RegisterPayload(approval.KindNpcResponse, NpcResponseData{})
}

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerPc  Speaker = "pc"
	SpeakerNpc Speaker = "npc"
	SpeakerDm  Speaker = "dm"
)

// Turn is one committed utterance in a session.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	SpeakerID string    `json:"speakerId"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// Session is an active or ended dialogue between one PC and one NPC. Turn
// submission is serialized per session; a second message while a reply is
// pending surfaces ErrTurnPending instead of queueing twice.
type Session struct {
	ID       string `json:"id"`
	WorldID  string `json:"worldId"`
	PcID     string `json:"pcId"`
	PcName   string `json:"pcName,omitempty"`
	NpcID    string `json:"npcId"`
	NpcName  string `json:"npcName,omitempty"`
	RegionID string `json:"regionId,omitempty"`

	StartedAt    time.Time `json:"startedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Ended        bool      `json:"ended"`
	Turns        []Turn    `json:"turns,omitempty"`

	mu sync.Mutex
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := &Session{
		ID:           s.ID,
		WorldID:      s.WorldID,
		PcID:         s.PcID,
		PcName:       s.PcName,
		NpcID:        s.NpcID,
		NpcName:      s.NpcName,
		RegionID:     s.RegionID,
		StartedAt:    s.StartedAt,
		LastActiveAt: s.LastActiveAt,
		Ended:        s.Ended,
	}
	clone.Turns = append([]Turn(nil), s.Turns...)
	return clone
}

// NpcResponseData is the approval payload for a proposed NPC reply.
type NpcResponseData struct {
	SessionID     string `json:"sessionId"`
	PcID          string `json:"pcId"`
	PcName        string `json:"pcName,omitempty"`
	NpcID         string `json:"npcId"`
	NpcName       string `json:"npcName,omitempty"`
	RegionID      string `json:"regionId,omitempty"`
	PlayerMessage string `json:"playerMessage"`
	// ProposedDialogue is what the model wants the NPC to say; the DM may
	// accept, rewrite or replace it.
	ProposedDialogue string                  `json:"proposedDialogue"`
	ProposedTools    []approval.ProposedTool `json:"proposedTools,omitempty"`
}

// CorrelationKey returns the queue correlation key for a PC-NPC pair; it
// enforces one pending reply per conversation.
func CorrelationKey(pcID, npcID string) string {
	return "conv:" + pcID + ":" + npcID
}
