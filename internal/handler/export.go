package handler

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/derhornspieler/memberof/internal/model"
)

// Export handles GET /api/v1/resolve/{principal}/export and streams the
// resolved set as CSV. Fully expanded groups carry status resolved; in
// best-effort mode a group whose own expansion failed carries status
// unexpanded, so a partial export is recognizable as such.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/resolve/")
	principal := strings.TrimSuffix(path, "/export")

	res, ok := h.runResolution(w, r, principal, r.URL.Query().Get("mode"))
	if !ok {
		return
	}
	res.SortGroups()

	unexpanded := make(map[model.PrincipalRef]struct{}, len(res.Unexpanded))
	for _, ref := range res.Unexpanded {
		unexpanded[ref] = struct{}{}
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "memberof-export.csv"))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"name", "ref", "mail", "status"})
	for _, g := range res.Groups {
		status := "resolved"
		if _, partial := unexpanded[g.Ref]; partial {
			status = "unexpanded"
		}
		_ = cw.Write([]string{g.Name, g.Ref.String(), g.Mail, status})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.Logger.Error("writing CSV export", zap.Error(err))
	}
}
