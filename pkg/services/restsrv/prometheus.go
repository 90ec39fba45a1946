package restsrv

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics used in monitoring service. Routes are keyed by "METHOD template"
// the way the observe middleware names them.
var (
	reqCounter = map[string]prometheus.Counter{}
	reqTimes   = map[string]prometheus.Histogram{}
)

func addReqTimeMetric(name string, t time.Duration) {
	hist, ok := reqTimes[name]
	if ok {
		hist.Observe(t.Seconds())
	}
	ctr, ok := reqCounter[name]
	if ok {
		ctr.Inc()
	}
}

func regCounter(route string) {
	name := metricName(route)
	ctr := prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      fmt.Sprintf("Number of calls to %s endpoint", route),
			Name:      name + "_called",
			Namespace: "gasstation",
		},
	)
	prometheus.MustRegister(ctr)
	reqCounter[route] = ctr
	reqTimes[route] = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "REST " + route + " request handling time",
			Name:      "rest_" + name + "_time",
			Namespace: "gasstation",
		},
	)
	prometheus.MustRegister(reqTimes[route])
}

// metricName flattens a route into a metric identifier: path separators and
// template braces cannot appear in Prometheus names.
func metricName(route string) string {
	parts := strings.Fields(route)
	method := strings.ToLower(parts[0])
	path := strings.Trim(parts[1], "/")
	if path == "" { // the health route is bare "GET /"
		path = "health"
	}
	r := strings.NewReplacer("/", "_", "{", "", "}", "")
	return method + "_" + strings.ToLower(r.Replace(path))
}

func init() {
	for _, route := range []string{
		"GET /",
		"POST /sponsors",
		"GET /sponsors/{ref}",
		"POST /contracts",
		"GET /contracts/user/{address}",
		"GET /contracts/credit/{id}",
		"GET /contracts/{ref}",
		"PUT /entrypoints",
		"GET /entrypoints/{ref}",
		"GET /entrypoints/{ref}/{name}",
		"GET /credits/{ref}",
		"PUT /deposit",
		"PUT /withdraw",
		"POST /operation",
		"POST /signed_operation",
		"POST /condition",
		"GET /condition/{vaultId}",
		"PUT /contract/{id}/condition/max_calls",
	} {
		regCounter(route)
	}
}
