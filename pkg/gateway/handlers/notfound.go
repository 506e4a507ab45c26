package handlers

import (
	"net/http"

	"github.com/vango-go/vai-sonic/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, requestIDFromContext(r.Context()), &apierror.Error{
		Type:    apierror.ErrNotFound,
		Message: "not found",
	}, http.StatusNotFound)
}
