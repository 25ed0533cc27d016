// maintenance.go — ручной триггер прохода сборщика мусора.
package handlers

import (
	"net/http"

	"github.com/arturkryukov/droplink/internal/api/errors"
	"github.com/arturkryukov/droplink/internal/service"
)

// MaintenanceHandler — обработчик maintenance endpoints.
type MaintenanceHandler struct {
	gc *service.GCService
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(gc *service.GCService) *MaintenanceHandler {
	return &MaintenanceHandler{gc: gc}
}

// RunSweep обрабатывает POST /api/v1/maintenance/sweep.
// Выполняет один проход сборщика и возвращает статистику.
// Если проход уже идёт (фоновый или ручной) — 409, не ожидание.
func (h *MaintenanceHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.gc.TryRunSweep(r.Context())
	if !ok {
		errors.WriteError(w, http.StatusConflict, errors.CodeSweepInProgress,
			"Проход сборщика уже выполняется")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
