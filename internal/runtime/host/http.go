package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/queuehost/internal/runtime/jsoncodec"
	"github.com/drblury/queuehost/internal/runtime/listener"
	"github.com/drblury/queuehost/transport"
)

// QueueStatus is one entry of the /api/queues response.
type QueueStatus struct {
	Queue   string `json:"queue"`
	Handler string `json:"handler"`
	Module  string `json:"module"`
	State   string `json:"state,omitempty"`
	Pending *int64 `json:"pending,omitempty"`
}

type stateReporter interface {
	State(queueName string) listener.State
}

// Handler returns the mux served on the metrics port.
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/queues", h.handleGetQueues)
	return mux
}

func (h *Host) startHTTPServer(ctx context.Context) {
	if h.metricsPort == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return
	}

	addr := fmt.Sprintf(":%d", h.metricsPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	h.server = srv

	h.trace.Info(fmt.Sprintf("Serving metrics on %s", addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.trace.Error(fmt.Sprintf("Metrics server on %s failed", addr), err)
		}
	}()
}

func (h *Host) stopHTTPServer() error {
	h.mu.Lock()
	srv := h.server
	h.server = nil
	h.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (h *Host) handleGetQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	bindings := h.Bindings()
	states, _ := h.listener.(stateReporter)
	introspector, _ := h.queue.(transport.QueueIntrospector)

	out := make([]QueueStatus, 0, len(bindings))
	for _, name := range bindings.QueueNames() {
		b := bindings[name]
		status := QueueStatus{Queue: name, Handler: b.Descriptor.Name, Module: b.Module}
		if status.Handler == "" {
			status.Handler = b.FuncName
		}
		if states != nil {
			status.State = states.State(name).String()
		}
		if introspector != nil {
			if n, err := introspector.GetPendingCount(r.Context(), name); err == nil {
				status.Pending = &n
			}
		}
		out = append(out, status)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, out); err != nil {
		h.trace.Error("Failed to encode queue status", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
