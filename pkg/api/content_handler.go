// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package api

import (
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vendlab/delivery-server/pkg/content"
	"github.com/vendlab/delivery-server/pkg/stor"
)

// UploadContent stores an uploaded file for a product.
// The upload policy (allowed types, allowed extensions, max size) is
// enforced before anything is written.
func (a *APICtrl) UploadContent(w http.ResponseWriter, r *http.Request) {

	r.Body = http.MaxBytesReader(w, r.Body, a.Config.Upload.MaxSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		render.Render(w, r, ErrInvalidRequest(errors.New("upload exceeds the maximum allowed size or is malformed")))
		return
	}

	productID := r.FormValue("product_id")
	if productID == "" {
		render.Render(w, r, ErrInvalidRequest(errors.New("missing required product identifier")))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(errors.New("missing required file part")))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if err := a.checkUploadPolicy(header.Filename, contentType, header.Size); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	meta := content.Meta{
		Name:             r.FormValue("name"),
		OriginalFilename: header.Filename,
		ContentType:      contentType,
		Version:          r.FormValue("version"),
		Description:      r.FormValue("description"),
		IsPrimary:        r.FormValue("is_primary") == "true",
	}
	if meta.Name == "" {
		meta.Name = header.Filename
	}
	if expires := r.FormValue("expires_at"); expires != "" {
		t, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			render.Render(w, r, ErrInvalidRequest(errors.New("invalid expires_at parameter")))
			return
		}
		meta.ExpiresAt = &t
	}

	object, err := a.Content.Add(r.Context(), file, productID, meta)
	if err != nil {
		var storageErr *content.StorageError
		if errors.As(err, &storageErr) {
			log.Errorf("Content upload failed: %v", err)
		}
		render.Render(w, r, ErrServer(err))
		return
	}

	render.Status(r, http.StatusCreated)
	if err := render.Render(w, r, NewContentResponse(object)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// checkUploadPolicy rejects uploads outside the configured allow-lists.
func (a *APICtrl) checkUploadPolicy(filename, contentType string, size int64) error {

	if size > a.Config.Upload.MaxSize {
		return errors.New("file exceeds the maximum allowed size")
	}

	ext := strings.ToLower(path.Ext(filename))
	extAllowed := false
	for _, allowed := range a.Config.Upload.AllowedExtensions {
		if ext == allowed {
			extAllowed = true
			break
		}
	}
	if !extAllowed {
		return errors.New("file extension not allowed: " + ext)
	}

	if contentType != "" {
		typeAllowed := false
		for _, allowed := range a.Config.Upload.AllowedTypes {
			if contentType == allowed {
				typeAllowed = true
				break
			}
		}
		if !typeAllowed {
			return errors.New("content type not allowed: " + contentType)
		}
	}
	return nil
}

// ListContents lists content objects, optionally for one product.
func (a *APICtrl) ListContents(w http.ResponseWriter, r *http.Request) {
	log.Debug("List Contents")

	page := r.Context().Value(PageKey).(int)
	perPage := r.Context().Value(PerPageKey).(int)
	var objects *[]stor.ContentObject
	var err error

	if productID := r.URL.Query().Get("product"); productID != "" {
		objects, err = a.Store.Content().FindByProduct(productID)
	} else if page == 0 || perPage == 0 {
		objects, err = a.Store.Content().ListAll()
	} else {
		objects, err = a.Store.Content().List(page, perPage)
	}
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	if err := render.RenderList(w, r, NewContentListResponse(objects)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// GetContent returns a content object by its id.
func (a *APICtrl) GetContent(w http.ResponseWriter, r *http.Request) {

	object, ok := a.contentFromURL(w, r)
	if !ok {
		return
	}
	if err := render.Render(w, r, NewContentResponse(object)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// UpdateContent modifies the declared metadata of a content object.
func (a *APICtrl) UpdateContent(w http.ResponseWriter, r *http.Request) {

	object, ok := a.contentFromURL(w, r)
	if !ok {
		return
	}

	update := &ContentUpdateRequest{}
	if err := render.Bind(r, update); err != nil {
		log.Errorf("error binding a Content update request: %v", err)
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if update.Name != "" {
		object.Name = update.Name
	}
	if update.Description != "" {
		object.Description = update.Description
	}
	if update.Version != "" {
		object.Version = update.Version
	}
	if update.DownloadLimit != nil {
		object.DownloadLimit = update.DownloadLimit
	}
	if update.ExpiresAt != nil {
		object.ExpiresAt = update.ExpiresAt
	}
	if update.IsActive != nil {
		object.IsActive = *update.IsActive
	}

	if err := a.Store.Content().Update(object); err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}

	// the primary flag is applied last; clearing the flag on siblings
	// happens in the same write
	if update.IsPrimary != nil && *update.IsPrimary && !object.IsPrimary {
		if err := a.Store.Content().SetPrimary(object); err != nil {
			render.Render(w, r, ErrServer(err))
			return
		}
	}

	if err := render.Render(w, r, NewContentResponse(object)); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
}

// DeleteContent removes a content object and its backing bytes.
func (a *APICtrl) DeleteContent(w http.ResponseWriter, r *http.Request) {

	object, ok := a.contentFromURL(w, r)
	if !ok {
		return
	}
	if err := a.Content.Delete(r.Context(), object); err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	render.Status(r, http.StatusNoContent)
	render.NoContent(w, r)
}

// VerifyContent recomputes the stored digest and reports whether it
// matches the recorded checksum.
func (a *APICtrl) VerifyContent(w http.ResponseWriter, r *http.Request) {

	object, ok := a.contentFromURL(w, r)
	if !ok {
		return
	}
	valid := a.Content.VerifyIntegrity(r.Context(), object)
	render.JSON(w, r, map[string]interface{}{"uuid": object.UUID, "integrity": valid})
}

// ContentStats returns storage usage, globally or for one product.
func (a *APICtrl) ContentStats(w http.ResponseWriter, r *http.Request) {

	stats, err := a.Content.UsageStats(r.URL.Query().Get("product"))
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	render.JSON(w, r, stats)
}

// --
// local functions
// --

func (a *APICtrl) contentFromURL(w http.ResponseWriter, r *http.Request) (*stor.ContentObject, bool) {

	contentID := chi.URLParam(r, "contentID")
	if contentID == "" {
		render.Render(w, r, ErrInvalidRequest(errors.New("missing required content identifier")))
		return nil, false
	}
	object, err := a.Store.Content().Get(contentID)
	if err != nil {
		render.Render(w, r, ErrNotFound)
		return nil, false
	}
	return object, true
}

// --
// Request and Response payloads for the REST api.
// --

// ContentUpdateRequest is the request payload for content updates.
type ContentUpdateRequest struct {
	Name          string     `json:"name,omitempty"`
	Description   string     `json:"description,omitempty"`
	Version       string     `json:"version,omitempty"`
	IsPrimary     *bool      `json:"is_primary,omitempty"`
	IsActive      *bool      `json:"is_active,omitempty"`
	DownloadLimit *int       `json:"download_limit,omitempty" validate:"omitempty,gt=0"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Bind post-processes requests after unmarshalling.
func (c *ContentUpdateRequest) Bind(r *http.Request) error {
	validate := validator.New()
	return validate.Struct(c)
}

// ContentResponse is the response payload for content objects.
type ContentResponse struct {
	*stor.ContentObject
}

func NewContentResponse(object *stor.ContentObject) *ContentResponse {
	return &ContentResponse{ContentObject: object}
}

// Render processes responses before marshalling.
func (c *ContentResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func NewContentListResponse(objects *[]stor.ContentObject) []render.Renderer {
	list := []render.Renderer{}
	for i := range *objects {
		list = append(list, NewContentResponse(&(*objects)[i]))
	}
	return list
}
