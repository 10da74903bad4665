// Package metrics holds the Prometheus collectors for session activity. They
// live in a standalone package so both the session core and the HTTP layer
// can reach them without an import cycle.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is one set of session collectors. Each App owns its own so that two
// apps in one process never share counts.
type Metrics struct {
	Logins           *prometheus.CounterVec
	Restores         *prometheus.CounterVec
	PermissionChecks *prometheus.CounterVec
}

// New builds an unregistered collector set.
func New() *Metrics {
	return &Metrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolesync_logins_total",
			Help: "Login attempts by account class and outcome",
		}, []string{"user_type", "outcome"}),

		Restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolesync_restores_total",
			Help: "Session restorations from durable storage by outcome",
		}, []string{"outcome"}),

		PermissionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rolesync_permission_checks_total",
			Help: "Permission checks by result",
		}, []string{"result"}),
	}
}

// Register adds the collectors to reg (or the default registerer if nil).
// Collectors that are already registered are left alone.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.Logins, m.Restores, m.PermissionChecks} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}
