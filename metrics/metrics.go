// Package metrics gathers the Prometheus collectors declared by the other
// packages so that the server can register them on a single registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"
)

// PromCollectors is the list of collectors of the process. Packages append
// their own in an init function.
var PromCollectors []prometheus.Collector

// Register registers every collector on the registerer. Collectors already
// registered are ignored.
func Register(reg prometheus.Registerer) error {
	for _, c := range PromCollectors {
		err := reg.Register(c)
		if err != nil {
			var are prometheus.AlreadyRegisteredError
			if xerrors.As(err, &are) {
				continue
			}

			return xerrors.Errorf("failed to register collector: %v", err)
		}
	}

	return nil
}
