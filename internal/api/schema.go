package api

import (
	"net/http"
	"strings"

	"github.com/energyqa/energyqa/internal/grounding"
)

type groundingSearchRequest struct {
	Query string `json:"query"`
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema description is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": deps.Schema.Describe()})
}

func handleGroundingSearch(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Retriever == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GROUNDING_NOT_CONFIGURED", "grounding retrieval is not configured", false, nil)
		return
	}

	var req groundingSearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid grounding search body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return
	}

	result, err := deps.Retriever.Retrieve(r.Context(), req.Query)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "GROUNDING_FAILED", "failed to search the similarity index", true, map[string]any{"details": err.Error()})
		return
	}
	if result == nil {
		result = grounding.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   req.Query,
		"matches": result,
		"hints":   result.Hints(nil),
	})
}
