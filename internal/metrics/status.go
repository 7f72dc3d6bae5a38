package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/ustd/sessiond/internal/registry"
	"github.com/ustd/sessiond/internal/shadow"
)

// appSnapshot is one row of the /debug/registry dump (spec 7's
// supplemented introspection surface).
type appSnapshot struct {
	Pid          int32  `json:"pid"`
	Name         string `json:"name"`
	Bitness      int32  `json:"bitness"`
	Compatible   bool   `json:"compatible"`
	SessionCount int    `json:"session_count"`
}

// StatusMux builds the daemon's status HTTP handler: Prometheus metrics,
// a liveness probe and a registry dump, mirroring the separate /readiness
// and /cache handlers of cmd/kube-dns/app/server.go's setupHandlers.
func StatusMux(c *Collector, reg *registry.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/debug/registry", func(w http.ResponseWriter, r *http.Request) {
		var apps []appSnapshot
		err := reg.ForEach(func(app *shadow.App) error {
			apps = append(apps, appSnapshot{
				Pid:          app.Pid,
				Name:         app.Name,
				Bitness:      app.Bitness,
				Compatible:   app.Compatible,
				SessionCount: len(app.Sessions()),
			})
			return nil
		})
		if err != nil {
			klog.Errorf("metrics: debug registry dump: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(apps); err != nil {
			klog.V(4).Infof("metrics: encode registry dump: %v", err)
		}
	})

	return mux
}
