package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/adaptation"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/feedback"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/suggestion"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/telemetry"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/webhook"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/websocket"
)

const (
	metricSuggestions    = "suggestions_generated_total"
	metricFeedback       = "feedback_submitted_total"
	metricLearningEvents = "learning_events_total"

	eventLearningCreated   = "learning_event.created"
	eventSuggestionCreated = "suggestion.created"
)

func newMetrics(adj *adaptation.Adjuster, pool *pgxpool.Pool) *telemetry.Metrics {
	m := telemetry.New()
	m.Describe(metricSuggestions, "Suggestions persisted, by source.")
	m.Describe(metricFeedback, "Clinician feedback recorded, by action.")
	m.Describe(metricLearningEvents, "Confidence adjustments applied, by source and direction.")

	if adj != nil {
		m.RegisterGauge(telemetry.Gauge{
			Name:  "confidence_adjustment",
			Help:  "Current confidence adjustment by suggestion source.",
			Label: "source",
			Read:  adj.Adjustments,
		})
	}
	if pool != nil {
		m.RegisterGauge(telemetry.Gauge{
			Name:  "db_pool_connections",
			Help:  "Database pool connections by state.",
			Label: "state",
			Read: func() map[string]float64 {
				st := db.GetPoolStats(pool)
				return map[string]float64{
					"acquired": float64(st.AcquiredConns),
					"idle":     float64(st.IdleConns),
					"total":    float64(st.TotalConns),
				}
			},
		})
	}
	return m
}

// watchSuggestions counts committed suggestions and, when a hub is set,
// pushes them to the patient's live feed.
func watchSuggestions(svc *suggestion.Service, m *telemetry.Metrics, hub *websocket.Hub) {
	svc.OnCreated(func(s *suggestion.Suggestion) {
		m.Inc(metricSuggestions, "source", s.Source)
		if hub != nil {
			hub.Publish(websocket.PatientTopic(s.PatientID.String()), eventSuggestionCreated, s)
		}
	})
}

// countingFeedback counts feedback as it is stored.
type countingFeedback struct {
	feedback.Repository
	metrics *telemetry.Metrics
}

func (r countingFeedback) Create(ctx context.Context, fb *feedback.Feedback) error {
	if err := r.Repository.Create(ctx, fb); err != nil {
		return err
	}
	r.metrics.Inc(metricFeedback, "action", fb.Action)
	return nil
}

// watchLearningEvents counts every committed learning event and forwards
// it to the live feed and the webhook notifier when those are set.
func watchLearningEvents(adj *adaptation.Adjuster, m *telemetry.Metrics, hub *websocket.Hub, n *webhook.Notifier) {
	adj.OnEvent(func(ev adaptation.LearningEvent) {
		m.Inc(metricLearningEvents, "source", ev.AffectedSource, "event_type", ev.EventType)
		if hub != nil {
			hub.Publish(websocket.TopicLearningEvents, eventLearningCreated, ev)
		}
		if n != nil {
			n.PublishAsync(eventLearningCreated, ev)
		}
	})
}
