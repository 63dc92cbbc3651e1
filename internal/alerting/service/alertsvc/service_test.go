package alertsvc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/riskalert/internal/alerting/model"
	"github.com/qiniu/riskalert/internal/alerting/service/engine"
	"github.com/qiniu/riskalert/internal/alerting/service/notify"
	"github.com/qiniu/riskalert/internal/alerting/service/riskscore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	name string
	err  error
	mu   sync.Mutex
	got  []notify.Notification
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, n *notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, *n)
	return c.err
}

func (c *recordingChannel) sent() []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Notification(nil), c.got...)
}

func newService(t *testing.T, chans ...notify.Channel) *Service {
	t.Helper()
	names := make([]string, 0, len(chans))
	for _, c := range chans {
		names = append(names, c.Name())
	}
	d := notify.NewDispatcher(notify.Config{
		RateLimitInterval: time.Minute,
		SeverityRoutes:    map[model.Severity][]string{model.SeverityInfo: names},
	}, chans)
	t.Cleanup(d.Close)
	return New(engine.New(), d)
}

func rule(id string, sev model.Severity, extra ...model.Action) *model.Rule {
	return &model.Rule{
		ID:         id,
		Enabled:    true,
		Priority:   5,
		Conditions: []model.Condition{{Field: "var_1d_95", Operator: model.OpGreater, Value: 0.08}},
		Actions: append([]model.Action{
			{Type: model.ActionNotify, Severity: sev, Message: id + " fired"},
		}, extra...),
	}
}

func TestProcess_DeliversNotifyActions(t *testing.T) {
	ctx := context.Background()
	log := &recordingChannel{name: "log"}
	svc := newService(t, log)
	_, err := svc.Engine().AddRule(ctx, rule("r1", model.SeverityWarning))
	require.NoError(t, err)

	out := svc.Process(ctx, &model.AlertContext{Symbol: "AAPL", Metrics: map[string]any{"var_1d_95": 0.1}})
	require.Len(t, out.Results, 1)
	require.Len(t, out.Dispatches, 1)
	assert.True(t, out.Dispatches[0].Sent)

	got := log.sent()
	require.Len(t, got, 1)
	assert.Equal(t, "r1_AAPL", got[0].AlertKey)
	assert.Equal(t, model.SeverityWarning, got[0].Severity)
	assert.Equal(t, "r1 fired", got[0].Message)
	assert.Equal(t, 0.1, got[0].Context["var_1d_95"])
}

func TestProcess_ExplicitChannelsAndIgnore(t *testing.T) {
	ctx := context.Background()
	log := &recordingChannel{name: "log"}
	pager := &recordingChannel{name: "pager"}
	svc := newService(t, log, pager)

	paged := rule("paged", model.SeverityCritical)
	paged.Actions[0].Channels = []string{"pager"}
	_, err := svc.Engine().AddRule(ctx, paged)
	require.NoError(t, err)
	_, err = svc.Engine().AddRule(ctx, rule("quiet", model.SeverityInfo, model.Action{Type: model.ActionIgnore}))
	require.NoError(t, err)

	out := svc.Process(ctx, &model.AlertContext{Symbol: "AAPL", Metrics: map[string]any{"var_1d_95": 0.1}})
	assert.Len(t, out.Results, 2)
	assert.Len(t, out.Dispatches, 1)
	assert.Len(t, pager.sent(), 1)
	assert.Empty(t, log.sent())
}

func TestProcessMetrics_AttachesRiskLevel(t *testing.T) {
	ctx := context.Background()
	log := &recordingChannel{name: "log"}
	svc := newService(t, log)
	r := rule("danger", model.SeverityCritical)
	r.Conditions = []model.Condition{{Field: MetaRiskLevel, Operator: model.OpEqual, Value: string(riskscore.LevelDanger)}}
	_, err := svc.Engine().AddRule(ctx, r)
	require.NoError(t, err)

	metrics := map[string]any{riskscore.MetricVaR: 0.12}
	out := svc.ProcessMetrics(ctx, "TSLA", "", metrics)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "danger", out.Results[0].Context.Metadata[MetaRiskLevel])
	assert.Equal(t, 100.0, out.Results[0].Context.Metadata[MetaRiskScore])
	assert.Len(t, metrics, 1, "input metrics are never mutated")

	out = svc.ProcessMetrics(ctx, "TSLA", "", map[string]any{riskscore.MetricVaR: 0.01})
	assert.Empty(t, out.Results)
}

func TestAlertStatistics(t *testing.T) {
	ctx := context.Background()
	log := &recordingChannel{name: "log"}
	svc := newService(t, log)
	r := rule("r1", model.SeverityInfo)
	r.EscalationThreshold = 2
	_, err := svc.Engine().AddRule(ctx, r)
	require.NoError(t, err)

	ac := &model.AlertContext{Symbol: "AAPL", Metrics: map[string]any{"var_1d_95": 0.1}}
	for i := 0; i < 3; i++ {
		svc.Process(ctx, ac)
	}
	st := svc.GetAlertStatistics(ctx)
	assert.Equal(t, int64(3), st.TotalTriggered)
	// Same title and message: second and third deliveries are rate limited,
	// except the escalated one whose title differs.
	assert.Equal(t, int64(3), st.TotalDispatched)
	assert.Equal(t, int64(2), st.TotalSent)
	assert.Equal(t, int64(1), st.TotalRateLimited)
	assert.Equal(t, int64(0), st.TotalSuppressed)
	assert.Equal(t, int64(1), st.TotalEscalated)
	assert.Equal(t, int64(1), st.BySeverity[model.SeverityInfo])
	assert.Equal(t, int64(2), st.BySeverity[model.SeverityWarning])
	assert.InDelta(t, 1.0/3, st.EscalationRate, 1e-9)
	assert.InDelta(t, 1.0/3, st.RateLimitRate, 1e-9)
	assert.Zero(t, st.SuppressionRate)
	assert.Equal(t, int64(2), st.Channels["log"].SuccessCount)
	assert.Equal(t, 1, st.Engine.TotalRules)
}

func TestAlertStatistics_SuppressionRateStaysWithinTriggered(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &recordingChannel{name: "log"})
	_, err := svc.Engine().AddRule(ctx, rule("r1", model.SeverityInfo, model.Action{Type: model.ActionSuppress}))
	require.NoError(t, err)

	// A manual send with the same title and message uses up the rate limit
	// slot before the rule fires.
	require.True(t, svc.Send(ctx, "r1", model.SeverityInfo, "AAPL", "r1 fired", nil).Sent)
	out := svc.Process(ctx, &model.AlertContext{Symbol: "AAPL", Metrics: map[string]any{"var_1d_95": 0.1}})
	require.Len(t, out.Results, 1)
	require.True(t, out.Results[0].Details.Suppressed)
	require.Len(t, out.Dispatches, 1)
	assert.Equal(t, notify.ReasonRateLimited, out.Dispatches[0].Reason)

	st := svc.GetAlertStatistics(ctx)
	assert.Equal(t, int64(1), st.TotalTriggered)
	assert.Equal(t, int64(1), st.TotalSuppressed)
	assert.Equal(t, int64(2), st.TotalDispatched)
	assert.Equal(t, int64(1), st.TotalRateLimited)
	assert.InDelta(t, 1.0, st.SuppressionRate, 1e-9)
	assert.InDelta(t, 0.5, st.RateLimitRate, 1e-9)
}

func TestSend_CountsDeliveries(t *testing.T) {
	ctx := context.Background()
	bad := &recordingChannel{name: "log", err: errors.New("down")}
	svc := newService(t, bad)
	dr := svc.Send(ctx, "manual", model.SeverityInfo, "desk-1", "check positions", nil)
	assert.False(t, dr.Sent)
	assert.Equal(t, int64(0), svc.GetAlertStatistics(ctx).TotalSent)
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &recordingChannel{name: "log"})
	require.NoError(t, svc.Bootstrap(ctx, ""))

	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"rules":{"r1":{"priority":5,
		"conditions":[{"field":"var_1d_95","operator":">","value":0.08}],
		"actions":[{"type":"notify","severity":"warning"}]}}}`), 0o600))
	require.NoError(t, svc.Bootstrap(ctx, path))
	assert.Len(t, svc.Engine().Rules(), 1)

	empty := newService(t, &recordingChannel{name: "log"})
	assert.Error(t, empty.Bootstrap(ctx, filepath.Join(t.TempDir(), "missing.json")))
}
