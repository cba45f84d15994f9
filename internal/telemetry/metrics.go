package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	generations     *prometheus.CounterVec
	steps           *prometheus.CounterVec
	collaboratorDur *prometheus.HistogramVec
	collaboratorErr *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	invariant       *prometheus.CounterVec
	size            *prometheus.GaugeVec
	bestFitness     *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_generations_advanced_total",
			Help: "Generations completed and advanced.",
		}, []string{"population"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_phase_units_total",
			Help: "Individuals processed per phase.",
		}, []string{"population", "phase"}),
		collaboratorDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evolve_collaborator_call_seconds",
			Help:    "Latency of compute collaborator calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		collaboratorErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_collaborator_errors_total",
			Help: "Failed compute collaborator calls.",
		}, []string{"operation"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_offspring_dropped_total",
			Help: "Offspring discarded at carrying capacity.",
		}, []string{"population"}),
		invariant: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evolve_invariant_violations_total",
			Help: "Phases forced forward after a malformed collaborator result.",
		}, []string{"population", "phase"}),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evolve_population_size",
			Help: "Current population size.",
		}, []string{"population"}),
		bestFitness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evolve_best_fitness",
			Help: "Best fitness of the last completed generation.",
		}, []string{"population"}),
	}
	for _, c := range []prometheus.Collector{
		m.generations, m.steps, m.collaboratorDur, m.collaboratorErr,
		m.dropped, m.invariant, m.size, m.bestFitness,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) GenerationAdvanced(population string, size int, best float64) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(population).Inc()
	m.size.WithLabelValues(population).Set(float64(size))
	m.bestFitness.WithLabelValues(population).Set(best)
}

func (m *Metrics) Processed(population, phase string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.steps.WithLabelValues(population, phase).Add(float64(n))
}

func (m *Metrics) PopulationSize(population string, size int) {
	if m == nil {
		return
	}
	m.size.WithLabelValues(population).Set(float64(size))
}

func (m *Metrics) CollaboratorCall(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.collaboratorDur.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err != nil {
		m.collaboratorErr.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) OffspringDropped(population string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.WithLabelValues(population).Add(float64(n))
}

func (m *Metrics) InvariantViolation(population, phase string) {
	if m == nil {
		return
	}
	m.invariant.WithLabelValues(population, phase).Inc()
}
