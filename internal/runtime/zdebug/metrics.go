package zdebug

import (
	"fmt"
	"net/http"
	"sort"
)

// MetricFunc returns a map of metric name -> value.
// Names should be simple tokens using [a-zA-Z0-9_:] to ease exposition.
type MetricFunc func() map[string]float64

// Collectors builds one MetricFunc per available source.
func Collectors(src Sources) map[string]MetricFunc {
	out := make(map[string]MetricFunc)

	if src.Barrier != nil {
		out["zgc_barrier"] = func() map[string]float64 {
			s := src.Barrier.Stats()
			g := src.Barrier.Globals()
			blocked := 0.0
			if g.Resurrection.IsBlocked() {
				blocked = 1
			}
			return map[string]float64{
				"slow_paths":           float64(s.SlowPaths),
				"heals":                float64(s.Heals),
				"heals_preempted":      float64(s.HealsPreempted),
				"heal_retries":         float64(s.HealRetries),
				"root_heals":           float64(s.RootHeals),
				"keep_alive_marks":     float64(s.KeepAliveMarks),
				"mask_version":         float64(g.Masks().Version),
				"phase":                float64(g.Phase()),
				"resurrection_blocked": blocked,
			}
		}
	}
	if src.Heap != nil {
		out["zgc_heap"] = func() map[string]float64 {
			s := src.Heap.Stats()
			return map[string]float64{
				"objects":       float64(s.Objects),
				"marked":        float64(s.Marked),
				"published":     float64(s.Published),
				"mark_overflow": float64(s.MarkOverflow),
				"mark_queued":   float64(s.MarkQueued),
				"remaps":        float64(s.Remaps),
				"forwardings":   float64(s.Forwardings),
			}
		}
	}
	if src.Driver != nil {
		out["zgc_driver"] = func() map[string]float64 {
			pauses, total := src.Driver.Safepoint().Pauses()
			m := map[string]float64{
				"cycles":              float64(src.Driver.Cycles()),
				"pauses":              float64(pauses),
				"pause_seconds_total": total.Seconds(),
			}
			if cs := src.Driver.LastCycle(); cs != nil {
				m["last_weak_cleared"] = float64(cs.WeakCleared)
				m["last_phantom_cleared"] = float64(cs.PhantomCleared)
				m["last_finalized"] = float64(cs.Finalized)
				m["last_relocated"] = float64(cs.Relocated)
				m["last_duration_seconds"] = cs.Duration.Seconds()
			}
			return m
		}
	}
	if src.Runtime != nil {
		out["zgc_checks"] = func() map[string]float64 {
			m := make(map[string]float64)
			for tier, n := range src.Runtime.Checks() {
				m[tier] = float64(n)
			}
			return m
		}
	}
	for _, s := range src.Storages {
		out["zgc_storage_"+s.Name()] = func() map[string]float64 {
			st := s.Statistics()
			return map[string]float64{
				"blocks":    float64(st.Blocks),
				"allocated": float64(st.Allocated),
				"released":  float64(st.Released),
				"followers": float64(st.Followers),
			}
		}
	}
	return out
}

// metricsHandler serves the collectors in a plain text exposition, one
// "name value" line per metric in a stable order.
func metricsHandler(collectors map[string]MetricFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		names := make([]string, 0, len(collectors))
		for name := range collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fn := collectors[name]
			if fn == nil {
				continue
			}
			snapshot := fn()
			keys := make([]string, 0, len(snapshot))
			for k := range snapshot {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k])
			}
		}
	}
}

func sanitizeMetricToken(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == ':' {
			b[i] = c
		} else {
			b[i] = '_'
		}
	}
	if len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		return "_" + string(b)
	}
	return string(b)
}
