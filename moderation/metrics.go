package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "palisade_moderation_events_total",
	Help: "Total number of moderation events appended, by kind.",
}, []string{"kind"})

var reportsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "palisade_reports_created_total",
	Help: "Total number of reports created, by reason type.",
}, []string{"reasonType"})

var sweepExecuted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "palisade_scheduled_actions_executed_total",
	Help: "Total number of scheduled actions executed by the sweep.",
})

var sweepFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "palisade_scheduled_actions_failed_total",
	Help: "Total number of scheduled actions that failed to execute.",
})
