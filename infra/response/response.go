// Package response implements the JSON envelope every API endpoint returns.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/sefapay/sefapay/infra/apperr"
)

// Response is the uniform API envelope. Data is set on success, Error and
// optional Details on failure.
type Response struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Page is the envelope payload for list endpoints.
type Page struct {
	Items   any   `json:"items"`
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
	Pages   int   `json:"pages"`
	HasNext bool  `json:"has_next"`
	HasPrev bool  `json:"has_prev"`
}

// NewPage assembles pagination metadata from a total row count.
func NewPage(items any, page, perPage int, total int64) Page {
	pages := int((total + int64(perPage) - 1) / int64(perPage))
	return Page{
		Items:   items,
		Page:    page,
		PerPage: perPage,
		Total:   total,
		Pages:   pages,
		HasNext: page < pages,
		HasPrev: page > 1,
	}
}

// WriteJSON writes a success envelope with the given status code.
func WriteJSON(w http.ResponseWriter, code int, data any) {
	write(w, code, Response{Success: true, Data: data})
}

// WriteError writes a failure envelope derived from the error chain.
func WriteError(w http.ResponseWriter, err error) {
	appErr := apperr.AsError(err)
	write(w, apperr.Status(appErr), Response{
		Success: false,
		Error:   appErr.Message,
		Details: appErr.Details,
	})
}

// WriteErrorMessage writes a failure envelope with an explicit status code.
func WriteErrorMessage(w http.ResponseWriter, code int, message string) {
	write(w, code, Response{Success: false, Error: message})
}

func write(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
