// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package api

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"

	"github.com/vendlab/delivery-server/pkg/grant"
	"github.com/vendlab/delivery-server/pkg/stor"
)

// Download streams a file under a bearer token grant.
// The token is validated, a download attempt is recorded, the bytes are
// streamed with Range support, and the attempt is closed. Only a
// completed attempt consumes a download slot on the grant.
func (a *APICtrl) Download(w http.ResponseWriter, r *http.Request) {

	token := chi.URLParam(r, "token")
	if token == "" {
		render.Render(w, r, ErrInvalidRequest(errors.New("missing required token")))
		return
	}

	reqCtx := requestContext(r)

	g, err := a.Grants.Validate(token, reqCtx)
	if err != nil {
		var invalid *grant.InvalidAccessError
		if errors.As(err, &invalid) {
			// the reason stays internal; the response is uniform
			log.Warningf("Download refused, reason %s", invalid.Reason)
			render.Render(w, r, ErrLinkInvalid)
			return
		}
		if errors.Is(err, grant.ErrNotFound) {
			render.Render(w, r, ErrNotFound)
			return
		}
		render.Render(w, r, ErrServer(err))
		return
	}

	file, ok := a.resolveFile(w, r, g)
	if !ok {
		return
	}

	attempt, err := a.Grants.BeginAttempt(g, file, reqCtx)
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}

	rc, err := a.Content.Retrieve(r.Context(), file)
	if err != nil {
		a.Grants.FailAttempt(attempt, "bytes_missing")
		render.Render(w, r, ErrNotFound)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+file.OriginalFilename+`"`)

	cw := &countingWriter{ResponseWriter: w}
	var copyErr error
	if seeker, isSeeker := rc.(io.ReadSeeker); isSeeker {
		// Range requests are honored for resumable transfers
		http.ServeContent(cw, r, file.OriginalFilename, file.UpdatedAt, seeker)
	} else {
		_, copyErr = io.Copy(cw, rc)
	}

	// an abandoned transfer must not consume a download slot
	if r.Context().Err() != nil {
		a.Grants.FailAttempt(attempt, "client_disconnected")
		return
	}
	// neither must a transfer cut short on the storage side; the declared
	// length is compared with what was actually sent
	if copyErr != nil || cw.status >= 400 || (cw.declared > 0 && cw.bytes < cw.declared) {
		log.Errorf("Download of file %s cut short after %d bytes: %v", file.UUID, cw.bytes, copyErr)
		a.Grants.FailAttempt(attempt, "transfer_incomplete")
		return
	}

	err = a.Grants.CompleteAttempt(g, attempt, cw.bytes)
	if err != nil {
		// a concurrent completion may have taken the last slot; the
		// attempt is already marked failed in that case
		log.Warningf("Download completion for grant %s: %v", g.UUID, err)
		return
	}
	a.Store.Content().IncrementDownloadCount(file.ID)
}

// resolveFile picks the file to stream: the explicit file parameter, the
// grant's single file scope, or the product's primary file.
func (a *APICtrl) resolveFile(w http.ResponseWriter, r *http.Request, g *stor.AccessGrant) (*stor.ContentObject, bool) {

	fileID := r.URL.Query().Get("file")
	if fileID == "" {
		fileID = g.FileID
	}
	// a grant scoped to one file only serves that file
	if g.FileID != "" && fileID != g.FileID {
		render.Render(w, r, ErrInvalidRequest(errors.New("the grant does not cover the requested file")))
		return nil, false
	}

	var file *stor.ContentObject
	var err error
	if fileID != "" {
		file, err = a.Store.Content().Get(fileID)
	} else {
		file, err = a.Store.Content().GetPrimary(g.ProductID)
	}
	if err != nil {
		render.Render(w, r, ErrNotFound)
		return nil, false
	}
	if file.ProductID != g.ProductID {
		render.Render(w, r, ErrInvalidRequest(errors.New("the grant does not cover the requested file")))
		return nil, false
	}

	// file level availability
	if !file.IsActive {
		log.Warningf("Download refused, file %s inactive", file.UUID)
		render.Render(w, r, ErrLinkInvalid)
		return nil, false
	}
	if file.ExpiresAt != nil && time.Now().After(*file.ExpiresAt) {
		log.Warningf("Download refused, file %s expired", file.UUID)
		render.Render(w, r, ErrLinkInvalid)
		return nil, false
	}
	if file.DownloadLimit != nil && file.DownloadCount >= *file.DownloadLimit {
		log.Warningf("Download refused, file %s cap reached", file.UUID)
		render.Render(w, r, ErrLinkInvalid)
		return nil, false
	}
	return file, true
}

// requestContext extracts the attributes recorded on attempts.
func requestContext(r *http.Request) grant.RequestContext {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return grant.RequestContext{
		IP:          ip,
		UserAgent:   r.UserAgent(),
		RangeHeader: r.Header.Get("Range"),
	}
}

// countingWriter counts the bytes actually sent to the client and keeps
// the status and declared length for comparison once the copy is over.
type countingWriter struct {
	http.ResponseWriter
	bytes    int64
	status   int
	declared int64
}

func (c *countingWriter) WriteHeader(status int) {
	c.status = status
	if n, err := strconv.ParseInt(c.Header().Get("Content-Length"), 10, 64); err == nil {
		c.declared = n
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	n, err := c.ResponseWriter.Write(p)
	c.bytes += int64(n)
	return n, err
}
