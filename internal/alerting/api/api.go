package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// OpsAPI serves operational endpoints only: Prometheus metrics and health.
type OpsAPI struct {
	gatherer prometheus.Gatherer
	checks   map[string]Check
	timeout  time.Duration
}

func NewOpsAPI(router *gin.Engine, gatherer prometheus.Gatherer, checks map[string]Check) *OpsAPI {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	api := &OpsAPI{gatherer: gatherer, checks: checks, timeout: 2 * time.Second}
	api.setupRouters(router)
	return api
}

func (api *OpsAPI) setupRouters(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{})))
	router.GET("/healthz", api.Healthz)
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (api *OpsAPI) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), api.timeout)
	defer cancel()

	names := make([]string, 0, len(api.checks))
	for name := range api.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make([]checkResult, 0, len(names))
	for _, name := range names {
		r := checkResult{Name: name, Status: "ok"}
		if err := api.checks[name](ctx); err != nil {
			r.Status, r.Error = "down", err.Error()
			status = http.StatusServiceUnavailable
		}
		results = append(results, r)
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, map[string]any{"status": overall, "checks": results})
}
