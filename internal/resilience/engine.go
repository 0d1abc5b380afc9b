package resilience

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/glassline/internal/observe"
	"github.com/MrWong99/glassline/pkg/provider/stt"
)

// EngineGroup implements [stt.Provider] with failover across several speech
// engines. Each engine has its own circuit breaker, so an engine that keeps
// refusing connections is skipped until its reset timeout passes.
type EngineGroup struct {
	group *FallbackGroup[stt.Provider]
	names []string
}

var _ stt.Provider = (*EngineGroup)(nil)

// NewEngineGroup creates an [EngineGroup] with primary as the preferred
// engine. Breaker transitions are counted on m when it is non-nil.
func NewEngineGroup(primary stt.Provider, cfg FallbackConfig, m *observe.Metrics) *EngineGroup {
	if m != nil {
		user := cfg.CircuitBreaker.OnStateChange
		cfg.CircuitBreaker.OnStateChange = func(name string, from, to State) {
			m.EngineBreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("engine", name),
				attribute.String("state", to.String()),
			))
			if user != nil {
				user(name, from, to)
			}
		}
	}
	return &EngineGroup{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
		names: []string{primary.Name()},
	}
}

// AddFallback registers an additional engine tried after the ones already
// added.
func (g *EngineGroup) AddFallback(p stt.Provider) {
	g.group.AddFallback(p.Name(), p)
	g.names = append(g.names, p.Name())
}

// Name lists the engines in failover order, e.g. "soniox>deepgram".
func (g *EngineGroup) Name() string { return strings.Join(g.names, ">") }

// StartStream connects to the first engine whose breaker allows it. If that
// engine fails to connect, the following ones are tried.
func (g *EngineGroup) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, _, err := ExecuteWithResult(g.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	return h, err
}

// Status reports the breaker state of every engine.
func (g *EngineGroup) Status() []BreakerStatus { return g.group.Status() }
