package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/mohammed-shakir/wfs-engine/internal/store"
)

// Pinger is implemented by stores that can probe their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness reports whether every backing store answers. Stores without a
// probe count as ready.
func Readiness(stores map[string]store.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string            `json:"status"`
			Stores map[string]string `json:"stores,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		out := resp{Status: "ready", Stores: map[string]string{}}
		names := make([]string, 0, len(stores))
		for name := range stores {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p, ok := stores[name].(Pinger)
			if !ok {
				out.Stores[name] = "ok"
				continue
			}
			if err := p.Ping(ctx); err != nil {
				out.Status = "not_ready"
				out.Stores[name] = err.Error()
				continue
			}
			out.Stores[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
