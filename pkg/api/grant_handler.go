// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"

	"github.com/vendlab/delivery-server/pkg/stor"
)

// ListGrants lists grants, filtered by user, product, order or status.
func (a *APICtrl) ListGrants(w http.ResponseWriter, r *http.Request) {
	log.Debug("List Grants")

	page := r.Context().Value(PageKey).(int)
	perPage := r.Context().Value(PerPageKey).(int)
	var grants *[]stor.AccessGrant
	var err error

	switch {
	case r.URL.Query().Get("user") != "":
		grants, err = a.Store.Grant().FindByUser(r.URL.Query().Get("user"))
	case r.URL.Query().Get("product") != "":
		grants, err = a.Store.Grant().FindByProduct(r.URL.Query().Get("product"))
	case r.URL.Query().Get("order") != "":
		grants, err = a.Store.Grant().FindByOrder(r.URL.Query().Get("order"))
	case r.URL.Query().Get("status") != "":
		grants, err = a.Store.Grant().FindByStatus(r.URL.Query().Get("status"))
	case page != 0 && perPage != 0:
		grants, err = a.Store.Grant().List(page, perPage)
	default:
		grants, err = a.Store.Grant().ListAll()
	}
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	if err := render.RenderList(w, r, NewGrantListResponse(grants)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// GetGrant returns a grant by its id.
func (a *APICtrl) GetGrant(w http.ResponseWriter, r *http.Request) {

	g, ok := a.grantFromURL(w, r)
	if !ok {
		return
	}
	if err := render.Render(w, r, NewGrantResponse(g)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// RevokeGrant puts a grant in its terminal revoked state.
func (a *APICtrl) RevokeGrant(w http.ResponseWriter, r *http.Request) {

	g, ok := a.grantFromURL(w, r)
	if !ok {
		return
	}

	req := &GrantRevokeRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := a.Grants.Revoke(g, req.Reason); err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	if err := render.Render(w, r, NewGrantResponse(g)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// ExtendGrant pushes a grant's expiry date out by a number of days.
func (a *APICtrl) ExtendGrant(w http.ResponseWriter, r *http.Request) {

	g, ok := a.grantFromURL(w, r)
	if !ok {
		return
	}

	req := &GrantExtendRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := a.Grants.ExtendExpiry(g, req.Days); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if err := render.Render(w, r, NewGrantResponse(g)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// IncreaseGrantLimit raises a grant's download cap.
func (a *APICtrl) IncreaseGrantLimit(w http.ResponseWriter, r *http.Request) {

	g, ok := a.grantFromURL(w, r)
	if !ok {
		return
	}

	req := &GrantLimitRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := a.Grants.IncreaseLimit(g, req.Extra); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if err := render.Render(w, r, NewGrantResponse(g)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// GrantAnalytics returns transfer statistics for one grant.
func (a *APICtrl) GrantAnalytics(w http.ResponseWriter, r *http.Request) {

	g, ok := a.grantFromURL(w, r)
	if !ok {
		return
	}
	stats, err := a.Grants.Analytics(g)
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	render.JSON(w, r, stats)
}

// ListGrantAttempts returns the download attempts recorded on one grant.
func (a *APICtrl) ListGrantAttempts(w http.ResponseWriter, r *http.Request) {

	g, ok := a.grantFromURL(w, r)
	if !ok {
		return
	}
	attempts, err := a.Store.Attempt().ListByGrant(g.UUID)
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	render.JSON(w, r, attempts)
}

// --
// local functions
// --

func (a *APICtrl) grantFromURL(w http.ResponseWriter, r *http.Request) (*stor.AccessGrant, bool) {

	grantID := chi.URLParam(r, "grantID")
	if grantID == "" {
		render.Render(w, r, ErrInvalidRequest(errors.New("missing required grant identifier")))
		return nil, false
	}
	g, err := a.Store.Grant().Get(grantID)
	if err != nil {
		render.Render(w, r, ErrNotFound)
		return nil, false
	}
	return g, true
}

// --
// Request and Response payloads for the REST api.
// --

// GrantRevokeRequest is the request payload for grant revocations.
type GrantRevokeRequest struct {
	Reason string `json:"reason"`
}

// Bind post-processes requests after unmarshalling.
func (g *GrantRevokeRequest) Bind(r *http.Request) error {
	return nil
}

// GrantExtendRequest is the request payload for expiry extensions.
type GrantExtendRequest struct {
	Days int `json:"days"`
}

// Bind post-processes requests after unmarshalling.
func (g *GrantExtendRequest) Bind(r *http.Request) error {
	if g.Days <= 0 {
		return errors.New("days must be a positive integer")
	}
	return nil
}

// GrantLimitRequest is the request payload for download cap increases.
type GrantLimitRequest struct {
	Extra int `json:"extra"`
}

// Bind post-processes requests after unmarshalling.
func (g *GrantLimitRequest) Bind(r *http.Request) error {
	if g.Extra <= 0 {
		return errors.New("extra must be a positive integer")
	}
	return nil
}

// GrantResponse is the response payload for grants. The bearer token is
// only exposed at issuance time, through the fulfillment report.
type GrantResponse struct {
	*stor.AccessGrant
}

func NewGrantResponse(g *stor.AccessGrant) *GrantResponse {
	return &GrantResponse{AccessGrant: g}
}

// Render processes responses before marshalling.
func (g *GrantResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func NewGrantListResponse(grants *[]stor.AccessGrant) []render.Renderer {
	list := []render.Renderer{}
	for i := range *grants {
		list = append(list, NewGrantResponse(&(*grants)[i]))
	}
	return list
}
