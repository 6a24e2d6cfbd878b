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

	"github.com/vendlab/delivery-server/pkg/lic"
	"github.com/vendlab/delivery-server/pkg/stor"
)

// --
// Public endpoints, reachable with the license key only.
// --

// ActivateLicense consumes an activation slot for a device.
func (a *APICtrl) ActivateLicense(w http.ResponseWriter, r *http.Request) {

	req := &ActivationRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	reqCtx := requestContext(r)
	device := lic.DeviceInfo{
		ID:        req.DeviceID,
		Name:      req.DeviceName,
		IP:        reqCtx.IP,
		UserAgent: reqCtx.UserAgent,
	}

	result, err := a.Licenses.Activate(req.Key, device)
	if err != nil {
		var limitErr *lic.ActivationLimitError
		var invalid *lic.InvalidLicenseError
		switch {
		case errors.As(err, &limitErr):
			render.Render(w, r, &ErrResponse{
				Err:            err,
				HTTPStatusCode: http.StatusConflict,
				StatusText:     "Activation limit reached.",
				ErrorText:      err.Error(),
			})
		case errors.As(err, &invalid):
			log.Warningf("Activation refused, reason %s", invalid.Reason)
			render.Render(w, r, ErrLinkInvalid)
		case errors.Is(err, lic.ErrNotFound):
			render.Render(w, r, ErrNotFound)
		default:
			render.Render(w, r, ErrServer(err))
		}
		return
	}
	render.JSON(w, r, result)
}

// DeactivateLicense frees the slot held by a device. With no device_id
// the least recently activated device is freed.
func (a *APICtrl) DeactivateLicense(w http.ResponseWriter, r *http.Request) {

	req := &DeactivationRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	freed, err := a.Licenses.Deactivate(req.Key, req.DeviceID)
	if err != nil {
		if errors.Is(err, lic.ErrNotFound) {
			render.Render(w, r, ErrNotFound)
			return
		}
		render.Render(w, r, ErrServer(err))
		return
	}
	render.JSON(w, r, map[string]interface{}{"deactivated": freed})
}

// LicenseStatus returns the current validity and activation state of a
// license, looked up by key string.
func (a *APICtrl) LicenseStatus(w http.ResponseWriter, r *http.Request) {

	key := r.URL.Query().Get("key")
	if key == "" {
		render.Render(w, r, ErrInvalidRequest(errors.New("missing required key parameter")))
		return
	}

	license, err := a.Licenses.Validate(key)
	if err != nil {
		var invalid *lic.InvalidLicenseError
		if errors.As(err, &invalid) {
			render.JSON(w, r, map[string]interface{}{"valid": false, "reason": invalid.Reason})
			return
		}
		if errors.Is(err, lic.ErrNotFound) {
			render.Render(w, r, ErrNotFound)
			return
		}
		render.Render(w, r, ErrServer(err))
		return
	}

	active := 0
	for _, act := range license.Activations {
		if act.DeactivatedAt == nil {
			active++
		}
	}
	render.JSON(w, r, map[string]interface{}{
		"valid":                 true,
		"type":                  license.Type,
		"activation_limit":      license.ActivationLimit,
		"activations_used":      license.ActivationsUsed,
		"active_devices":        active,
		"remaining_activations": license.ActivationLimit - license.ActivationsUsed,
		"expires_at":            license.ExpiresAt,
	})
}

// --
// Administrative endpoints.
// --

// ListLicenses lists licenses, filtered by user, product, order or status.
func (a *APICtrl) ListLicenses(w http.ResponseWriter, r *http.Request) {
	log.Debug("List Licenses")

	page := r.Context().Value(PageKey).(int)
	perPage := r.Context().Value(PerPageKey).(int)
	var licenses *[]stor.LicenseKey
	var err error

	switch {
	case r.URL.Query().Get("user") != "":
		licenses, err = a.Store.License().FindByUser(r.URL.Query().Get("user"))
	case r.URL.Query().Get("product") != "":
		licenses, err = a.Store.License().FindByProduct(r.URL.Query().Get("product"))
	case r.URL.Query().Get("order") != "":
		licenses, err = a.Store.License().FindByOrder(r.URL.Query().Get("order"))
	case r.URL.Query().Get("status") != "":
		licenses, err = a.Store.License().FindByStatus(r.URL.Query().Get("status"))
	case page != 0 && perPage != 0:
		licenses, err = a.Store.License().List(page, perPage)
	default:
		licenses, err = a.Store.License().ListAll()
	}
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	if err := render.RenderList(w, r, NewLicenseListResponse(licenses)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// GetLicense returns a license by its id, with its activations.
func (a *APICtrl) GetLicense(w http.ResponseWriter, r *http.Request) {

	license, ok := a.licenseFromURL(w, r)
	if !ok {
		return
	}
	if err := render.Render(w, r, NewLicenseResponse(license)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// RevokeLicense puts a license in its terminal revoked state.
func (a *APICtrl) RevokeLicense(w http.ResponseWriter, r *http.Request) {

	license, ok := a.licenseFromURL(w, r)
	if !ok {
		return
	}

	req := &GrantRevokeRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := a.Licenses.Revoke(license, req.Reason); err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	if err := render.Render(w, r, NewLicenseResponse(license)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// ExtendLicense pushes a license's expiry date out by a number of days.
func (a *APICtrl) ExtendLicense(w http.ResponseWriter, r *http.Request) {

	license, ok := a.licenseFromURL(w, r)
	if !ok {
		return
	}

	req := &GrantExtendRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := a.Licenses.Extend(license, req.Days); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if err := render.Render(w, r, NewLicenseResponse(license)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// LicenseAnalytics returns aggregate statistics over the license base,
// optionally scoped to one product.
func (a *APICtrl) LicenseAnalytics(w http.ResponseWriter, r *http.Request) {

	stats, err := a.Licenses.Analytics(r.URL.Query().Get("product"))
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	render.JSON(w, r, stats)
}

// --
// local functions
// --

func (a *APICtrl) licenseFromURL(w http.ResponseWriter, r *http.Request) (*stor.LicenseKey, bool) {

	licenseID := chi.URLParam(r, "licenseID")
	if licenseID == "" {
		render.Render(w, r, ErrInvalidRequest(errors.New("missing required license identifier")))
		return nil, false
	}
	license, err := a.Store.License().Get(licenseID)
	if err != nil {
		render.Render(w, r, ErrNotFound)
		return nil, false
	}
	return license, true
}

// --
// Request and Response payloads for the REST api.
// --

// ActivationRequest is the request payload for license activations.
type ActivationRequest struct {
	Key        string `json:"key"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}

// Bind post-processes requests after unmarshalling.
func (a *ActivationRequest) Bind(r *http.Request) error {
	if a.Key == "" {
		return errors.New("missing required key")
	}
	if a.DeviceID == "" {
		return errors.New("missing required device_id")
	}
	return nil
}

// DeactivationRequest is the request payload for license deactivations.
// DeviceID is optional; when absent the least recently activated device
// is freed.
type DeactivationRequest struct {
	Key      string `json:"key"`
	DeviceID string `json:"device_id,omitempty"`
}

// Bind post-processes requests after unmarshalling.
func (d *DeactivationRequest) Bind(r *http.Request) error {
	if d.Key == "" {
		return errors.New("missing required key")
	}
	return nil
}

// LicenseResponse is the response payload for licenses.
type LicenseResponse struct {
	*stor.LicenseKey
}

func NewLicenseResponse(license *stor.LicenseKey) *LicenseResponse {
	return &LicenseResponse{LicenseKey: license}
}

// Render processes responses before marshalling.
func (l *LicenseResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func NewLicenseListResponse(licenses *[]stor.LicenseKey) []render.Renderer {
	list := []render.Renderer{}
	for i := range *licenses {
		list = append(list, NewLicenseResponse(&(*licenses)[i]))
	}
	return list
}
