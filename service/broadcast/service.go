// Package broadcast fans world-state changes out to connected clients,
// partitioned by world and by role. Delivery is best-effort: a slow or dead
// recipient is logged and skipped, never allowed to stall the caller.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Role distinguishes approver connections from player connections.
type Role string

const (
	RoleDM     Role = "dm"
	RolePlayer Role = "player"
)

// Scope selects which connections of a world receive a message.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeDmOnly
	ScopePlayersOnly
	ScopeSpecific
)

// Audience pairs a scope with optional explicit recipient ids.
type Audience struct {
	Scope Scope
	IDs   []string
}

func All() Audience         { return Audience{Scope: ScopeAll} }
func DmOnly() Audience      { return Audience{Scope: ScopeDmOnly} }
func PlayersOnly() Audience { return Audience{Scope: ScopePlayersOnly} }
func Specific(ids ...string) Audience {
	return Audience{Scope: ScopeSpecific, IDs: ids}
}

// Message is the outbound envelope. The wire format below this envelope is
// the transport layer's concern.
type Message struct {
	Type    string          `json:"type"`
	WorldID string          `json:"worldId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into an envelope.
func NewMessage(msgType, worldID string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, WorldID: worldID, Payload: data}, nil
}

// Conn is one connected client, registered by the transport layer.
type Conn interface {
	ID() string
	Role() Role
	Send(ctx context.Context, msg *Message) error
}

// ErrNilMessage is the only structural failure Broadcast reports; recipient
// failures are logged, not escalated.
var ErrNilMessage = errors.New("broadcast: nil message")

// Dispatcher routes messages to registered connections.
type Dispatcher struct {
	mu          sync.RWMutex
	worlds      map[string]map[string]Conn
	sendTimeout time.Duration
	logger      *slog.Logger
}

// New creates a dispatcher. sendTimeout bounds each individual delivery.
func New(sendTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		worlds:      make(map[string]map[string]Conn),
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Register adds a connection to a world.
func (d *Dispatcher) Register(worldID string, conn Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns, ok := d.worlds[worldID]
	if !ok {
		conns = make(map[string]Conn)
		d.worlds[worldID] = conns
	}
	conns[conn.ID()] = conn
}

// Unregister removes a connection from a world.
func (d *Dispatcher) Unregister(worldID, connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conns, ok := d.worlds[worldID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(d.worlds, worldID)
		}
	}
}

// DmConnected reports whether any DM connection is registered for the world.
// The staging fast-path uses this to auto-approve when nobody could answer.
func (d *Dispatcher) DmConnected(worldID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, conn := range d.worlds[worldID] {
		if conn.Role() == RoleDM {
			return true
		}
	}
	return false
}

// Broadcast sends msg to every matching connection. Each delivery runs in its
// own goroutine bounded by the send timeout; the call returns once recipients
// are snapshotted, so the caller never waits on a slow client. Per-recipient
// failures are logged.
func (d *Dispatcher) Broadcast(_ context.Context, worldID string, audience Audience, msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}

	d.mu.RLock()
	recipients := make([]Conn, 0, len(d.worlds[worldID]))
	for _, conn := range d.worlds[worldID] {
		if d.matches(conn, audience) {
			recipients = append(recipients, conn)
		}
	}
	d.mu.RUnlock()

	for _, conn := range recipients {
		go func(conn Conn) {
			sendCtx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
			defer cancel()
			if err := conn.Send(sendCtx, msg); err != nil {
				d.logger.Warn("broadcast delivery failed",
					"world", worldID, "conn", conn.ID(), "type", msg.Type, "error", err)
			}
		}(conn)
	}
	return nil
}

func (d *Dispatcher) matches(conn Conn, audience Audience) bool {
	switch audience.Scope {
	case ScopeDmOnly:
		return conn.Role() == RoleDM
	case ScopePlayersOnly:
		return conn.Role() == RolePlayer
	case ScopeSpecific:
		for _, id := range audience.IDs {
			if conn.ID() == id {
				return true
			}
		}
		return false
	default:
		return true
	}
}
