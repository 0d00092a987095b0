// Package metrics holds the prometheus counters for path selection, guard
// selection and relay cell crypto.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pathsSelected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torcirc_paths_selected_total",
			Help: "Number of circuit paths selected",
		},
		[]string{"usage"},
	)
	pathFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torcirc_path_failures_total",
			Help: "Number of failed path selections",
		},
		[]string{"usage", "reason"},
	)
	guardSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torcirc_guard_selections_total",
			Help: "Number of guard selections by outcome",
		},
		[]string{"result"},
	)
	cellsEncrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "torcirc_cells_encrypted_total",
			Help: "Number of relay cells encrypted for a hop",
		},
	)
	cellsDecrypted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torcirc_cells_decrypted_total",
			Help: "Number of inbound relay cells by decryption result",
		},
		[]string{"result"},
	)
)

var collectors = []prometheus.Collector{
	pathsSelected,
	pathFailures,
	guardSelections,
	cellsEncrypted,
	cellsDecrypted,
}

// Register adds every collector to reg. Registering twice with the same
// registry is not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// PathSelected counts a successful path selection.
func PathSelected(usage string) {
	pathsSelected.With(prometheus.Labels{"usage": usage}).Inc()
}

// PathFailed counts a failed path selection.
func PathFailed(usage, reason string) {
	pathFailures.With(prometheus.Labels{"usage": usage, "reason": reason}).Inc()
}

// GuardSelected counts a guard selection; result is "ok" or "none".
func GuardSelected(result string) {
	guardSelections.With(prometheus.Labels{"result": result}).Inc()
}

// CellEncrypted counts an outbound relay cell.
func CellEncrypted() {
	cellsEncrypted.Inc()
}

// CellDecrypted counts an inbound relay cell.
func CellDecrypted(recognized bool) {
	result := "recognized"
	if !recognized {
		result = "bad_auth"
	}
	cellsDecrypted.With(prometheus.Labels{"result": result}).Inc()
}
