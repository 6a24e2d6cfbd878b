package api

import (
	"context"
	"net/http"
	"strconv"
)

// PaginationKey is used to store pagination parameters in the context.
type PaginationKey string

const (
	PageKey    PaginationKey = "page"
	PerPageKey PaginationKey = "per_page"
)

// Paginate reads page and per_page query parameters and stores them in
// the request context. Zero values mean "list all", which the handlers
// map to the repository ListAll with its built-in cap.
func Paginate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		if page < 0 {
			page = 0
		}
		if perPage < 0 {
			perPage = 0
		}
		ctx := context.WithValue(r.Context(), PageKey, page)
		ctx = context.WithValue(ctx, PerPageKey, perPage)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
