package runtime

import (
	"net/http"
	"sort"

	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/wsflow/internal/runtime/logging"
	"github.com/drblury/wsflow/internal/runtime/registry"
)

// Status is the document served on GET /status.
type Status struct {
	ProcessID string          `json:"process_id"`
	Kind      string          `json:"kind"`
	Path      string          `json:"path"`
	Adapter   AdapterStatus   `json:"adapter"`
	Services  []ServiceStatus `json:"services"`
	// Connections lists one entry per live (tenant, service) pair.
	Connections []registry.Stat `json:"connections"`
	Events      []EventSnapshot `json:"events"`
	Usage       ProcessUsage    `json:"usage"`
}

type AdapterStatus struct {
	Impl   string `json:"impl"`
	Local  bool   `json:"local"`
	Active bool   `json:"active"`
	// Ordered reports whether the transport preserves per-channel order.
	Ordered bool `json:"ordered"`
}

type ServiceStatus struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Connections int    `json:"connections"`
}

// Status returns a snapshot of the process.
func (s *Service) Status() Status {
	st := Status{
		ProcessID: s.Conf.GetProcessID(),
		Kind:      s.binding.Kind(),
		Path:      s.Conf.Path,
		Adapter: AdapterStatus{
			Impl:  s.Conf.Adapter.Impl,
			Local: s.adapter == nil,
		},
		Connections: s.registry.Stats(),
		Events:      s.stats.Snapshot(),
		Usage:       s.usage.Sample(),
	}
	if s.adapter != nil {
		st.Adapter.Active = s.adapter.Active()
		st.Adapter.Ordered = s.adapter.Capabilities().SupportsOrdering
	}

	perPath := map[string]int{}
	for _, c := range st.Connections {
		perPath[c.Service] += c.Connections
	}

	s.servicesMu.RLock()
	for path, def := range s.services {
		st.Services = append(st.Services, ServiceStatus{
			Name:        def.Name,
			Path:        path,
			Connections: perPath[path],
		})
	}
	s.servicesMu.RUnlock()
	sort.Slice(st.Services, func(i, j int) bool { return st.Services[i].Path < st.Services[j].Path })
	return st
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body, err := jsoncodec.Marshal(s.Status())
	if err != nil {
		s.Logger.Error("Failed to encode status", err, loggingpkg.LogFields{})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
