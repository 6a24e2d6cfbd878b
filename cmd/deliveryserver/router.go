// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"github.com/vendlab/delivery-server/pkg/api"
)

func (s *Server) setRoutes() *chi.Mux {

	// Set api controller dependencies
	a := api.NewAPICtrl(s.Config, s.Store, s.Content, s.Orchestrator)

	// Define the router
	r := chi.NewRouter()

	// Recovery middleware
	r.Use(middleware.Recoverer)

	// Heartbeat (excluded from logs)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("The Delivery Server is running!"))
	})

	// Group for all other routes
	r.Group(func(r chi.Router) {
		// Logger middleware
		r.Use(middleware.Logger)

		r.NotFound(notFoundProblemDetail)

		// CORS Configuration
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"http://localhost:8090", "http://localhost:8091"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "Range"},
			ExposedHeaders:   []string{"Link", "Content-Range", "Accept-Ranges"},
			AllowCredentials: true,
			MaxAge:           300, // Maximum value not ignored by any of major browsers
		}))

		// Public routes, reachable with a grant token or a license key
		r.Get("/downloads/{token}", a.Download) // GET /downloads/xyz{?file}

		r.Group(func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Post("/licenses/activate", a.ActivateLicense)     // POST /licenses/activate
			r.Post("/licenses/deactivate", a.DeactivateLicense) // POST /licenses/deactivate
			r.Get("/licenses/status", a.LicenseStatus)          // GET /licenses/status{?key}
		})

		// Private Routes
		// Require Authentication
		credentials := make(map[string]string)
		credentials[s.Config.Access.Username] = s.Config.Access.Password

		r.Group(func(r chi.Router) {
			r.Use(middleware.BasicAuth("restricted", credentials))
			r.Use(render.SetContentType(render.ContentTypeJSON))

			// Content, CRUD
			r.Route("/contents", func(r chi.Router) {
				r.With(api.Paginate).Get("/", a.ListContents) // GET /contents/{?product,page,per_page}
				r.Post("/", a.UploadContent)                  // POST /contents
				r.Get("/stats", a.ContentStats)               // GET /contents/stats{?product}

				r.Route("/{contentID}", func(r chi.Router) {
					r.Get("/", a.GetContent)          // GET /contents/123
					r.Put("/", a.UpdateContent)       // PUT /contents/123
					r.Delete("/", a.DeleteContent)    // DELETE /contents/123
					r.Get("/verify", a.VerifyContent) // GET /contents/123/verify
				})
			})

			// Grants, admin
			r.Route("/grants", func(r chi.Router) {
				r.With(api.Paginate).Get("/", a.ListGrants) // GET /grants/{?user,product,order,status}

				r.Route("/{grantID}", func(r chi.Router) {
					r.Get("/", a.GetGrant)                 // GET /grants/123
					r.Put("/revoke", a.RevokeGrant)        // PUT /grants/123/revoke
					r.Put("/extend", a.ExtendGrant)        // PUT /grants/123/extend
					r.Put("/limit", a.IncreaseGrantLimit)  // PUT /grants/123/limit
					r.Get("/analytics", a.GrantAnalytics)  // GET /grants/123/analytics
					r.Get("/attempts", a.ListGrantAttempts) // GET /grants/123/attempts
				})
			})

			// Licenses, admin
			r.Route("/licenseinfo", func(r chi.Router) {
				r.With(api.Paginate).Get("/", a.ListLicenses) // GET /licenseinfo/{?user,product,order,status}
				r.Get("/analytics", a.LicenseAnalytics)       // GET /licenseinfo/analytics{?product}

				r.Route("/{licenseID}", func(r chi.Router) {
					r.Get("/", a.GetLicense)          // GET /licenseinfo/123
					r.Put("/revoke", a.RevokeLicense) // PUT /licenseinfo/123/revoke
					r.Put("/extend", a.ExtendLicense) // PUT /licenseinfo/123/extend
				})
			})

			// Order fulfillment
			r.Post("/fulfillments", a.Fulfill) // POST /fulfillments

			// Maintenance
			r.Post("/maintenance/cleanup", a.Cleanup) // POST /maintenance/cleanup
		})

		// Dashboard data
		r.Post("/dashdata/login", Login(s.Config)) // POST /dashdata/login
		// Require JWT Authentication
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.Config))
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Route("/dashdata", func(r chi.Router) {
				r.With(api.Paginate).Get("/grants", a.ListGrants)     // GET /dashdata/grants
				r.With(api.Paginate).Get("/licenses", a.ListLicenses) // GET /dashdata/licenses
				r.Get("/licenses/analytics", a.LicenseAnalytics)      // GET /dashdata/licenses/analytics
				r.Get("/contents/stats", a.ContentStats)              // GET /dashdata/contents/stats
			})
		})

	})

	return r
}

// notFoundProblemDetail formats not found errors as problem details, for the sake of consistency.
func notFoundProblemDetail(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{"type": "about:blank", "title": "Endpoint not found."}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)

	json.NewEncoder(w).Encode(response)
}
