package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

// NewOpenAPIHandler serves doc as JSON. The document is rendered once.
// GET /openapi.json
func NewOpenAPIHandler(doc *openapi3.T) (http.HandlerFunc, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render openapi document: %w", err)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}, nil
}
