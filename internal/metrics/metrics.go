// Package metrics registers the engine's Prometheus collectors. Exposed on
// /metrics by the engine HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts inbound gateway events by outcome:
	// applied, duplicate, ignored, rejected, failed.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_engine_webhook_events_total",
		Help: "Inbound payment gateway webhook events by outcome.",
	}, []string{"outcome"})

	// RenewalsTotal counts scheduler renewal decisions by result:
	// renewed, invoice_created, grace_extended, expired, price_missing.
	RenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_engine_renewals_total",
		Help: "Renewal sweep decisions by result.",
	}, []string{"result"})

	// RemindersSentTotal counts renewal reminders by day bucket (7, 3, 1).
	RemindersSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlement_engine_reminders_sent_total",
		Help: "Renewal reminder notifications published, by days left.",
	}, []string{"days"})

	// SubscriptionsCanceledTotal counts finalized cancellations.
	SubscriptionsCanceledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlement_engine_subscriptions_canceled_total",
		Help: "Subscriptions transitioned to canceled.",
	})
)
