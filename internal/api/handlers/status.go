package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// StatusSource reports one component's runtime statistics
type StatusSource func(ctx context.Context) (interface{}, error)

// Status reports every source. A failing source is reported inline and does
// not fail the response.
func Status(sources map[string]StatusSource) http.HandlerFunc {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		out := make(map[string]interface{}, len(sources))
		for _, name := range names {
			v, err := sources[name](ctx)
			if err != nil {
				out[name] = map[string]string{"error": err.Error()}
				continue
			}
			out[name] = v
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(out)
	}
}
