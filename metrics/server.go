package metrics

import (
	"errors"
	"net/http"

	"github.com/dermesser/rdmarpc/log"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartCollectingMetrics serves /metrics on addr in the background. Shut it down with
// Close() on the returned server.
func StartCollectingMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Log(log.LOGLEVEL_WARNINGS, "Metrics server stopped:", err.Error())
		}
	}()
	return srv
}
