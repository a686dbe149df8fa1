package vault

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokenvault/vault/internal/shared"
)

// EventKind names an auditable state change.
type EventKind string

const (
	EventInitialized         EventKind = "vault.initialized"
	EventDeposited           EventKind = "deposit"
	EventYieldRateSet        EventKind = "yield.rate_set"
	EventYieldClaimed        EventKind = "yield.claimed"
	EventDepositsPaused      EventKind = "deposits.paused"
	EventDepositsUnpaused    EventKind = "deposits.unpaused"
	EventWithdrawalDelaySet  EventKind = "withdrawal.delay_set"
	EventWithdrawalRequested EventKind = "withdrawal.requested"
	EventWithdrawalExecuted  EventKind = "withdrawal.executed"
	EventEmergencyWithdrawal EventKind = "withdrawal.emergency"
	EventRoleGranted         EventKind = "role.granted"
	EventRoleRevoked         EventKind = "role.revoked"
	EventUpgradeAuthorized   EventKind = "upgrade.authorized"
)

// Event describes a committed state change.
type Event struct {
	ID      uuid.UUID
	Kind    EventKind
	Actor   Principal
	Subject Principal
	Role    Role
	Amount  Amount
	Version Version
	Meta    map[string]any
	At      time.Time
}

func newEvent(kind EventKind, actor Principal) Event {
	return Event{ID: uuid.New(), Kind: kind, Actor: actor}
}

// AuditLog converts the event into an audit record.
func (e Event) AuditLog() shared.AuditLog {
	meta := map[string]any{"event_id": e.ID.String()}
	for k, v := range e.Meta {
		meta[k] = v
	}
	if !e.Amount.IsZero() {
		meta["amount"] = e.Amount.String()
	}
	if e.Role != "" {
		meta["role"] = string(e.Role)
	}
	if e.Version != 0 {
		meta["version"] = uint32(e.Version)
	}
	entity, id := "account", string(e.Subject)
	switch {
	case e.Role != "":
		entity = "role"
		id = fmt.Sprintf("%s:%s", e.Role, e.Subject)
	case e.Subject == "":
		entity, id = "vault", "instance"
	}
	return shared.AuditLog{
		Actor:    string(e.Actor),
		Action:   string(e.Kind),
		Entity:   entity,
		EntityID: id,
		Meta:     meta,
		At:       e.At,
	}
}
