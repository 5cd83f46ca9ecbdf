package handlers

import (
	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	appmw "deliveryinsight/internal/http/middleware"
)

// Server bundles what the HTTP surface needs.
type Server struct {
	DB           *gorm.DB
	Log          *zap.Logger
	Queue        Enqueuer
	GitHubSecret string
	Reads        *Reads
	Gatherer     prometheus.Gatherer
}

// Handler builds the router and wraps it in the request logger.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	auth := appmw.BearerAuth(s.DB, s.Log)

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})
	r.GET("/metrics", Exposition(s.Gatherer))

	r.POST("/webhooks/github", GitHubWebhook(s.Queue, s.GitHubSecret, s.Log))
	r.POST("/webhooks/jira", JiraWebhook(s.Queue, s.Log))

	r.GET("/v1/metrics/cycle-time", auth(s.Reads.CycleTime()))
	r.GET("/v1/metrics/flow-efficiency", auth(s.Reads.FlowEfficiency()))
	r.GET("/v1/metrics/dora", auth(s.Reads.DORA()))
	r.GET("/v1/metrics/defect-escape", auth(s.Reads.DefectEscape()))
	r.GET("/v1/metrics/pr-review", auth(s.Reads.PRReviewHealth()))
	r.GET("/v1/metrics/cross-stream", auth(s.Reads.CrossStream()))
	r.GET("/v1/metrics/sprint-confidence", auth(s.Reads.SprintConfidence()))
	r.GET("/v1/metrics/forecast", auth(s.Reads.Forecast()))
	r.GET("/v1/metrics/trend", auth(s.Reads.Trend()))
	r.GET("/v1/queue", auth(s.Reads.QueueDepth()))

	return RequestLogger(s.Log)(r.Handler)
}
