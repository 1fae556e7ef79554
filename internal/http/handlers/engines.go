package handlers

import (
	"cmp"
	"context"
	"net/http"
	"runtime"
	"slices"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jmylchreest/mediaforge/internal/engine"
	"github.com/jmylchreest/mediaforge/internal/storage"
)

// EngineCatalog lists the conversion engines.
type EngineCatalog interface {
	Engines() map[engine.Kind]engine.Descriptor
}

// EngineHandler reports engine availability and host capacity.
type EngineHandler struct {
	catalog   EngineCatalog
	outputDir string
}

// NewEngineHandler creates a new engine handler. outputDir is the volume
// reported under host.output_disk; empty skips it.
func NewEngineHandler(catalog EngineCatalog, outputDir string) *EngineHandler {
	return &EngineHandler{catalog: catalog, outputDir: outputDir}
}

// Register registers the engine routes with the API.
func (h *EngineHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listEngines",
		Method:      http.MethodGet,
		Path:        "/api/v1/engines",
		Summary:     "List engines",
		Description: "Returns every conversion engine with its dependencies and formats",
		Tags:        []string{"Engines"},
	}, h.List)
}

// ListEnginesInput is the input for listing engines.
type ListEnginesInput struct{}

// ListEnginesOutput is the output for listing engines.
type ListEnginesOutput struct {
	Body EnginesResponse
}

// List returns the engines sorted by kind.
func (h *EngineHandler) List(ctx context.Context, _ *ListEnginesInput) (*ListEnginesOutput, error) {
	status := h.catalog.Engines()
	engines := make([]EngineResponse, 0, len(status))
	for _, d := range status {
		engines = append(engines, EngineFromDescriptor(d))
	}
	slices.SortFunc(engines, func(a, b EngineResponse) int {
		return cmp.Compare(a.Kind, b.Kind)
	})

	return &ListEnginesOutput{
		Body: EnginesResponse{
			Engines: engines,
			Host:    h.hostStats(ctx),
		},
	}, nil
}

// hostStats gathers best-effort host figures; failures leave fields empty.
func (h *EngineHandler) hostStats(ctx context.Context) HostStats {
	stats := HostStats{CPUCores: runtime.NumCPU()}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		stats.CPUCores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		stats.MemoryTotalMB = float64(vm.Total) / 1024 / 1024
		stats.MemoryFreeMB = float64(vm.Available) / 1024 / 1024
	}
	if h.outputDir != "" {
		if usage, err := storage.Usage(ctx, h.outputDir); err == nil {
			stats.OutputDisk = &usage
		}
	}
	return stats
}
