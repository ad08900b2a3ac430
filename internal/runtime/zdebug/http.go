// Package zdebug serves read-only JSON views of the collector state: masks,
// phase, barrier counters, heap and storage statistics, and the entry table.
package zdebug

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/orizon-lang/colorgc/internal/runtime/zaddr"
	"github.com/orizon-lang/colorgc/internal/runtime/zbarrier"
	"github.com/orizon-lang/colorgc/internal/runtime/zdriver"
	"github.com/orizon-lang/colorgc/internal/runtime/zheap"
	"github.com/orizon-lang/colorgc/internal/runtime/zruntime"
	"github.com/orizon-lang/colorgc/internal/runtime/zstorage"
)

// Sources are the components the endpoints read. Nil components are
// reported as not found.
type Sources struct {
	Barrier  *zbarrier.Barrier
	Heap     *zheap.Heap
	Driver   *zdriver.Driver
	Runtime  *zruntime.Runtime
	Storages []*zstorage.Storage
}

// MasksView is the JSON form of a mask snapshot. Masks are hex strings.
type MasksView struct {
	Version       uint64 `json:"version"`
	OffsetBits    uint   `json:"offset_bits"`
	MetadataShift uint   `json:"metadata_shift"`
	Good          string `json:"good"`
	GoodKeep      string `json:"good_keep"`
	Better        string `json:"better"`
	Bad           string `json:"bad"`
	WeakBad       string `json:"weak_bad"`
	Marked        string `json:"marked"`
	CurrentKeep   string `json:"current_keep"`
}

func hex(v uintptr) string { return fmt.Sprintf("%#x", v) }

func viewMasks(m *zaddr.Masks) MasksView {
	return MasksView{
		Version:       m.Version,
		OffsetBits:    m.OffsetBits,
		MetadataShift: m.MetadataShift,
		Good:          hex(m.Good),
		GoodKeep:      hex(m.GoodKeep),
		Better:        hex(m.Better),
		Bad:           hex(m.Bad),
		WeakBad:       hex(m.WeakBad),
		Marked:        hex(m.Marked),
		CurrentKeep:   hex(m.CurrentKeep),
	}
}

// ColorView describes one address under the current masks.
type ColorView struct {
	Address  string `json:"address"`
	Offset   string `json:"offset"`
	Color    string `json:"color"`
	Good     bool   `json:"good"`
	WeakGood bool   `json:"weak_good"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// NewMux builds the debug handler:
//
//	GET /barrier/masks         -> MasksView of the installed masks
//	GET /barrier/phase         -> phase and resurrection state
//	GET /barrier/stats         -> barrier slow-path counters
//	GET /barrier/color?addr=   -> ColorView of a hex or decimal address
//	GET /barrier/entries       -> entry table, ABI version and keep checks
//	GET /heap                  -> heap counters
//	GET /storages              -> slot usage per storage
//	GET /cycles/last           -> stats of the most recent cycle
//	GET /metrics               -> plain text counters of every source
func NewMux(src Sources) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/barrier/masks", func(w http.ResponseWriter, r *http.Request) {
		if src.Barrier == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, viewMasks(src.Barrier.Globals().Masks()))
	})

	mux.HandleFunc("/barrier/phase", func(w http.ResponseWriter, r *http.Request) {
		if src.Barrier == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		g := src.Barrier.Globals()
		writeJSON(w, map[string]any{
			"phase":                g.Phase().String(),
			"resurrection_blocked": g.Resurrection.IsBlocked(),
			"describe":             g.Describe(),
		})
	})

	mux.HandleFunc("/barrier/stats", func(w http.ResponseWriter, r *http.Request) {
		if src.Barrier == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, src.Barrier.Stats())
	})

	mux.HandleFunc("/barrier/color", func(w http.ResponseWriter, r *http.Request) {
		if src.Barrier == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s := r.URL.Query().Get("addr")
		if s == "" {
			http.Error(w, "missing addr", http.StatusBadRequest)
			return
		}
		v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			http.Error(w, "invalid addr", http.StatusBadRequest)
			return
		}
		m := src.Barrier.Globals().Masks()
		a := zaddr.Address(v)
		writeJSON(w, ColorView{
			Address:  hex(uintptr(a)),
			Offset:   hex(m.Offset(a)),
			Color:    m.Color(a).String(),
			Good:     m.IsGood(a),
			WeakGood: m.IsWeakGood(a),
		})
	})

	mux.HandleFunc("/barrier/entries", func(w http.ResponseWriter, r *http.Request) {
		if src.Runtime == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"abi":     zruntime.ABIVersion,
			"entries": src.Runtime.Entries(),
			"checks":  src.Runtime.Checks(),
		})
	})

	mux.HandleFunc("/heap", func(w http.ResponseWriter, r *http.Request) {
		if src.Heap == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, src.Heap.Stats())
	})

	mux.HandleFunc("/storages", func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]any, len(src.Storages))
		for _, s := range src.Storages {
			out[s.Name()] = map[string]any{
				"mode":       s.Mode().String(),
				"statistics": s.Statistics(),
			}
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/cycles/last", func(w http.ResponseWriter, r *http.Request) {
		if src.Driver == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		cs := src.Driver.LastCycle()
		if cs == nil {
			http.Error(w, "no cycle completed", http.StatusNotFound)
			return
		}
		pauses, total := src.Driver.Safepoint().Pauses()
		writeJSON(w, map[string]any{
			"cycles":      src.Driver.Cycles(),
			"last":        cs,
			"pauses":      pauses,
			"pause_total": total.String(),
		})
	})

	mux.HandleFunc("/metrics", metricsHandler(Collectors(src)))

	return mux
}
