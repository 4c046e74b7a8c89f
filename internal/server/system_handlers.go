package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/origamihq/conductor/internal/database"
	"github.com/origamihq/conductor/internal/marketdata"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/symphony"
)

// DataStatus is what the status endpoint needs from the market data
// layer. *marketdata.Service satisfies it.
type DataStatus interface {
	MarketStatus(now time.Time) marketdata.MarketStatus
	Usage() []marketdata.ProviderUsage
	Stats() marketdata.CacheStats
}

// SystemHandlers serves engine-wide status: host resources, market
// session, provider budgets, cache effectiveness, and database sizes.
type SystemHandlers struct {
	data        DataStatus
	databases   []*database.DB
	symphonies  *symphony.Repository
	positions   *portfolio.PositionRepository
	dataDir     string
	startupTime time.Time
	log         zerolog.Logger
}

// NewSystemHandlers creates the system handler set. data may be nil
// when the market data layer is not running.
func NewSystemHandlers(
	data DataStatus,
	databases []*database.DB,
	symphonies *symphony.Repository,
	positions *portfolio.PositionRepository,
	dataDir string,
	log zerolog.Logger,
) *SystemHandlers {
	return &SystemHandlers{
		data:        data,
		databases:   databases,
		symphonies:  symphonies,
		positions:   positions,
		dataDir:     dataDir,
		startupTime: time.Now(),
		log:         log.With().Str("component", "system_handlers").Logger(),
	}
}

// RegisterRoutes mounts the system endpoints on the router.
func (h *SystemHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/system/status", h.handleStatus)
}

// DatabaseStatus is the per-database slice of the status response.
type DatabaseStatus struct {
	Name         string `json:"name"`
	SizeBytes    int64  `json:"size_bytes"`
	WALSizeBytes int64  `json:"wal_size_bytes"`
}

// SystemStatusResponse is the full status payload.
type SystemStatusResponse struct {
	Status        string                     `json:"status"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	CPUPercent    float64                    `json:"cpu_percent"`
	MemoryPercent float64                    `json:"memory_percent"`
	DiskPercent   float64                    `json:"disk_percent"`
	Market        *marketdata.MarketStatus   `json:"market,omitempty"`
	Providers     []marketdata.ProviderUsage `json:"providers,omitempty"`
	Cache         *marketdata.CacheStats     `json:"cache,omitempty"`
	Symphonies    map[string]int             `json:"symphonies"`
	Positions     int                        `json:"positions"`
	Databases     []DatabaseStatus           `json:"databases"`
}

func (h *SystemHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startupTime).Seconds()),
		Symphonies:    make(map[string]int),
		Databases:     make([]DatabaseStatus, 0, len(h.databases)),
	}

	if percents, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
	} else if len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	} else {
		resp.MemoryPercent = vm.UsedPercent
	}

	diskPath := h.dataDir
	if diskPath == "" {
		diskPath = "."
	}
	if du, err := disk.Usage(diskPath); err != nil {
		h.log.Warn().Err(err).Msg("Failed to read disk usage")
	} else {
		resp.DiskPercent = du.UsedPercent
	}

	if h.data != nil {
		market := h.data.MarketStatus(time.Now())
		resp.Market = &market
		resp.Providers = h.data.Usage()
		cache := h.data.Stats()
		resp.Cache = &cache
	}

	if list, err := h.symphonies.ListAll(); err != nil {
		h.log.Error().Err(err).Msg("Failed to count symphonies")
		resp.Status = "degraded"
	} else {
		for _, s := range list {
			resp.Symphonies[string(s.Status)]++
		}
	}

	if count, err := h.positions.Count(); err != nil {
		h.log.Error().Err(err).Msg("Failed to count positions")
		resp.Status = "degraded"
	} else {
		resp.Positions = count
	}

	for _, db := range h.databases {
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to read database stats")
			continue
		}
		resp.Databases = append(resp.Databases, DatabaseStatus{
			Name:         db.Name(),
			SizeBytes:    stats.SizeBytes,
			WALSizeBytes: stats.WALSizeBytes,
		})
	}

	respond(w, http.StatusOK, resp)
}
