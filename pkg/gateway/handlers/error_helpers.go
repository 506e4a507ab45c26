package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-sonic/pkg/gateway/apierror"
	"github.com/vango-go/vai-sonic/pkg/gateway/mw"
)

func writeAPIError(w http.ResponseWriter, reqID string, apiErr *apierror.Error, status int) {
	if apiErr != nil && apiErr.RequestID == "" {
		apiErr.RequestID = reqID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
