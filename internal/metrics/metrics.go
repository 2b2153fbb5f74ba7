// Package metrics exposes coordinator activity to monitoring systems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives coordinator events. Implementations must be safe for
// concurrent use; workers of one process share a collector.
type Collector interface {
	ModelCreated(swarmID string)
	ModelCompleted(reason string)
	CASConflict(kind string)
	SwarmTransition(status string)
	OrphanAdopted()
	CandidateWait()
}

type Noop struct{}

func (Noop) ModelCreated(string)    {}
func (Noop) ModelCompleted(string)  {}
func (Noop) CASConflict(string)     {}
func (Noop) SwarmTransition(string) {}
func (Noop) OrphanAdopted()         {}
func (Noop) CandidateWait()         {}

// Prometheus counts coordinator events in a registry.
type Prometheus struct {
	modelsCreated    *prometheus.CounterVec
	modelsCompleted  *prometheus.CounterVec
	casConflicts     *prometheus.CounterVec
	swarmTransitions *prometheus.CounterVec
	orphansAdopted   prometheus.Counter
	candidateWaits   prometheus.Counter
}

// NewPrometheus registers the hypersearch counters with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		modelsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypersearch_models_created_total",
			Help: "Model proposals created, by swarm",
		}, []string{"swarm"}),
		modelsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypersearch_models_completed_total",
			Help: "Models completed by this process, by completion reason",
		}, []string{"reason"}),
		casConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypersearch_cas_conflicts_total",
			Help: "Compare-and-swap writes lost to another worker",
		}, []string{"kind"}),
		swarmTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypersearch_swarm_transitions_total",
			Help: "Swarm status transitions committed by this process",
		}, []string{"status"}),
		orphansAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hypersearch_orphans_adopted_total",
			Help: "Orphaned models adopted and replaced",
		}),
		candidateWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hypersearch_candidate_waits_total",
			Help: "Times a worker found no candidate and waited",
		}),
	}
	for _, c := range []prometheus.Collector{
		p.modelsCreated, p.modelsCompleted, p.casConflicts,
		p.swarmTransitions, p.orphansAdopted, p.candidateWaits,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) ModelCreated(swarmID string) {
	p.modelsCreated.WithLabelValues(swarmID).Inc()
}

func (p *Prometheus) ModelCompleted(reason string) {
	p.modelsCompleted.WithLabelValues(reason).Inc()
}

func (p *Prometheus) CASConflict(kind string) {
	p.casConflicts.WithLabelValues(kind).Inc()
}

func (p *Prometheus) SwarmTransition(status string) {
	p.swarmTransitions.WithLabelValues(status).Inc()
}

func (p *Prometheus) OrphanAdopted() { p.orphansAdopted.Inc() }

func (p *Prometheus) CandidateWait() { p.candidateWaits.Inc() }
