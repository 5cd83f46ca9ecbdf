package handlers

import (
	"context"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/normalize"
	"deliveryinsight/internal/queue"
)

// Provider headers.
const (
	headerGitHubEvent     = "X-GitHub-Event"
	headerGitHubDelivery  = "X-GitHub-Delivery"
	headerGitHubSignature = "X-Hub-Signature-256"
	headerJiraDelivery    = "X-Atlassian-Webhook-Identifier"
)

var (
	webhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deliveryinsight",
			Name:      "webhooks_received_total",
			Help:      "Webhook deliveries accepted and enqueued.",
		},
		[]string{"source"},
	)
	webhooksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deliveryinsight",
			Name:      "webhooks_rejected_total",
			Help:      "Webhook deliveries rejected before enqueue.",
		},
		[]string{"source", "reason"},
	)
)

// RegisterMetrics registers the webhook counters.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(webhooksReceived, webhooksRejected)
}

// Enqueuer is the durable write the webhook handlers end with.
type Enqueuer interface {
	Enqueue(ctx context.Context, source string, payload []byte, meta queue.Meta) (*db.QueueItem, error)
}

// GitHubWebhook verifies the delivery signature and enqueues the raw body.
// With an empty secret deliveries are accepted unsigned.
func GitHubWebhook(q Enqueuer, secret string, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		body := ctx.PostBody()
		signature := string(ctx.Request.Header.Peek(headerGitHubSignature))

		if secret != "" {
			if err := normalize.VerifySignature([]byte(secret), signature, body); err != nil {
				webhooksRejected.WithLabelValues(db.EventSourceGitHub, "signature").Inc()
				log.Warn("github webhook rejected", zap.Error(err))
				errResponse(ctx, fasthttp.StatusUnauthorized, "invalid signature")
				return
			}
		}

		kind := string(ctx.Request.Header.Peek(headerGitHubEvent))
		if kind == "" {
			webhooksRejected.WithLabelValues(db.EventSourceGitHub, "missing_event").Inc()
			errResponse(ctx, fasthttp.StatusBadRequest, "missing "+headerGitHubEvent+" header")
			return
		}

		accept(ctx, q, log, db.EventSourceGitHub, body, queue.Meta{
			EventKind:  kind,
			Signature:  signature,
			DeliveryID: string(ctx.Request.Header.Peek(headerGitHubDelivery)),
		})
	}
}

// JiraWebhook enqueues the raw body. The event kind is read from the
// payload itself.
func JiraWebhook(q Enqueuer, log *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		body := ctx.PostBody()
		accept(ctx, q, log, db.EventSourceJira, body, queue.Meta{
			EventKind:  normalize.JiraEventKind(body),
			DeliveryID: string(ctx.Request.Header.Peek(headerJiraDelivery)),
		})
	}
}

func accept(ctx *fasthttp.RequestCtx, q Enqueuer, log *zap.Logger, source string, body []byte, meta queue.Meta) {
	if !json.Valid(body) {
		webhooksRejected.WithLabelValues(source, "malformed").Inc()
		errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return
	}

	// The request body buffer is reused once the handler returns.
	payload := append([]byte(nil), body...)
	item, err := q.Enqueue(ctx, source, payload, meta)
	if err != nil {
		log.Error("enqueue failed", zap.String("source", source), zap.Error(err))
		errResponse(ctx, fasthttp.StatusInternalServerError, "failed to enqueue")
		return
	}
	webhooksReceived.WithLabelValues(source).Inc()

	ctx.SetStatusCode(fasthttp.StatusAccepted)
	jsonResponse(ctx, map[string]any{"status": "accepted", "id": item.ID})
}
