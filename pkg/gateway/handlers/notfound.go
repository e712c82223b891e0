package handlers

import (
	"net/http"

	"github.com/parlo-labs/liverelay/pkg/gateway/apierror"
	"github.com/parlo-labs/liverelay/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, reqID, http.StatusNotFound, "not found")
}
