package observability

import (
	"github.com/tokenvault/vault/internal/vault"
)

// ObserveEvent implements vault.EventObserver.
func (m *Metrics) ObserveEvent(event vault.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(event.Kind)).Inc()
	switch event.Kind {
	case vault.EventDeposited:
		m.addTransferred("in", event.Amount)
	case vault.EventWithdrawalExecuted, vault.EventEmergencyWithdrawal:
		m.addTransferred("out", event.Amount)
	case vault.EventDepositsPaused:
		m.depositsPaused.Set(1)
	case vault.EventDepositsUnpaused:
		m.depositsPaused.Set(0)
	case vault.EventUpgradeAuthorized:
		m.logicVersion.Set(float64(event.Version))
	case vault.EventInitialized:
		m.schemaVersion.Set(float64(event.Version))
	}
}

// ObserveSummary aligns the version gauges with a freshly loaded summary.
func (m *Metrics) ObserveSummary(summary vault.Summary) {
	if m == nil {
		return
	}
	m.logicVersion.Set(float64(summary.LogicVersion))
	m.schemaVersion.Set(float64(summary.SchemaVersion))
	if summary.DepositsPaused {
		m.depositsPaused.Set(1)
	} else {
		m.depositsPaused.Set(0)
	}
}

func (m *Metrics) addTransferred(direction string, amount vault.Amount) {
	n, ok := amount.Uint64()
	if !ok {
		return
	}
	m.transferred.WithLabelValues(direction).Add(float64(n))
}
