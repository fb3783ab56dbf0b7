package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldreach_emails_sent_total",
		Help: "Messages accepted by the SMTP server",
	})
	BouncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldreach_emails_bounced_total",
		Help: "Messages bounced by recipient refusal or bounce report",
	})
	SendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldreach_email_send_failures_total",
		Help: "Retryable send failures by category",
	}, []string{"kind"})
	EngagementTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldreach_engagement_events_total",
		Help: "Recorded engagement events by type",
	}, []string{"type"})
	ReplyPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldreach_reply_polls_total",
		Help: "Inbox polls by outcome",
	}, []string{"outcome"})
	PendingMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldreach_pending_messages",
		Help: "PENDING messages at the last send worker tick",
	})
)
