// Package web serves the monitor's HTTP surface: station status, recent
// logs, Prometheus metrics and the live websocket feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vadase-monitor/internal/station"
)

type Options struct {
	Status   *Status
	Stations Stations
	Logs     *LogBuffer
	// Live serves /ws; nil leaves the route unregistered.
	Live http.Handler
	// Gatherer serves /metrics; nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
}

func Handler(opts Options) http.Handler {
	status := opts.Status
	if status == nil {
		status = NewStatus()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC(), opts.Stations))
	})

	mux.HandleFunc("/api/stations/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		id := r.PathValue("id")
		if opts.Stations != nil {
			for _, st := range opts.Stations.Snapshots() {
				if st.ID == id {
					writeJSON(w, st)
					return
				}
			}
		}
		http.Error(w, "unknown station", http.StatusNotFound)
	})

	mux.HandleFunc("/api/about", func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		writeJSON(w, about(time.Now().UTC()))
	})

	if opts.Logs != nil {
		mux.Handle("/api/logs", opts.Logs.Handler())
	}
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Live != nil {
		mux.Handle("/ws", opts.Live)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowGet(w, r) {
			return
		}
		snap := status.Snapshot(time.Now().UTC(), opts.Stations)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>VADASE monitor</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>VADASE monitor</h1><p>uptime %ds, %d active event(s). See <a href=\"/api/status\">/api/status</a>.</p><pre>",
			snap.UptimeSec, snap.ActiveEvents)
		for _, st := range snap.Stations {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\tqueue=%d/%d\tevent=%t\tmanual=%t\n",
				html.EscapeString(st.ID), html.EscapeString(st.Source.Kind), html.EscapeString(st.Source.State),
				st.QueueDepth, st.QueueCapacity, st.Core.Event.Active, st.Core.Integrator.Manual)
		}
		_, _ = fmt.Fprintf(w, "</pre></body></html>")
	})

	return mux
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

var _ Stations = (*station.Supervisor)(nil)
