// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package grant manages access grants: bearer token authorizations to
// download the content of a purchased product, bounded in downloads and
// in time.
package grant

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/vendlab/delivery-server/pkg/commerce"
	"github.com/vendlab/delivery-server/pkg/stor"
)

// Invalidity reason codes. They are kept for diagnostics; the outside
// response stays uniform (see the api package).
const (
	ReasonNotActive      = "status_not_active"
	ReasonExpired        = "expired"
	ReasonLimitExceeded  = "limit_exceeded"
	ReasonIPNotPermitted = "ip_not_permitted"
)

// defaults applied when the product policy leaves them unset
const (
	DefaultDownloadLimit = 5
	DefaultWindowDays    = 30
)

var (
	// ErrNotFound means the token matches no grant.
	ErrNotFound = errors.New("grant not found")
	// ErrNotDigital means a grant was requested for a non digital product.
	ErrNotDigital = errors.New("product is not digital")
)

// InvalidAccessError carries the reason a grant failed validation.
type InvalidAccessError struct {
	Reason string
}

func (e *InvalidAccessError) Error() string {
	return "invalid access: " + e.Reason
}

// RequestContext carries request attributes recorded on issuance and
// download attempts.
type RequestContext struct {
	IP          string
	UserAgent   string
	RangeHeader string
}

// GrantHandler implements grant issuance, validation, the download
// attempt lifecycle and administrative mutations.
type GrantHandler struct {
	stor.Store
}

func NewGrantHandler(st stor.Store) *GrantHandler {
	return &GrantHandler{Store: st}
}

// NewToken returns a bearer token from a cryptographically strong random
// source. Grants are usable without a session (the token may travel in an
// emailed link), so predictability would be a direct security failure.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue creates a grant for one purchased unit. The download limit and
// the expiry date come from the product policy at creation time.
func (gh *GrantHandler) Issue(product commerce.ProductPolicy, userID, orderID, fileID string, reqCtx RequestContext) (*stor.AccessGrant, error) {

	if !product.IsDigital {
		return nil, ErrNotDigital
	}

	limit := product.DownloadLimit
	if limit <= 0 {
		limit = DefaultDownloadLimit
	}
	windowDays := product.DownloadWindowDays
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	grant := &stor.AccessGrant{
		UUID:          uuid.New().String(),
		Token:         token,
		UserID:        userID,
		ProductID:     product.ProductID,
		OrderID:       orderID,
		FileID:        fileID,
		DownloadLimit: limit,
		DownloadsUsed: 0,
		ExpiresAt:     time.Now().AddDate(0, 0, windowDays).Truncate(time.Second),
		Status:        stor.STATUS_ACTIVE,
		Metadata: map[string]string{
			"issued_ip":         reqCtx.IP,
			"issued_user_agent": reqCtx.UserAgent,
		},
	}

	err = gh.Store.Grant().Create(grant)
	if err != nil {
		return nil, err
	}

	log.Infof("Grant %s issued for product %s, order %s", grant.UUID, product.ProductID, orderID)
	return grant, nil
}

// Validate looks a grant up by token and checks the validity predicate:
// active status, not past expiry, downloads left, request IP permitted.
// Expiry is evaluated lazily against the wall clock; the stored status is
// never trusted alone.
func (gh *GrantHandler) Validate(token string, reqCtx RequestContext) (*stor.AccessGrant, error) {

	grant, err := gh.Store.Grant().GetByToken(token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if reason := invalidityReason(grant, time.Now(), reqCtx.IP); reason != "" {
		return nil, &InvalidAccessError{Reason: reason}
	}
	return grant, nil
}

// invalidityReason derives validity from the stored fields and the clock.
// An empty return means the grant is valid.
func invalidityReason(grant *stor.AccessGrant, now time.Time, requestIP string) string {
	if grant.Status != stor.STATUS_ACTIVE {
		return ReasonNotActive
	}
	if !now.Before(grant.ExpiresAt) {
		return ReasonExpired
	}
	if grant.DownloadsUsed >= grant.DownloadLimit {
		return ReasonLimitExceeded
	}
	if grant.PermittedIP != "" && requestIP != "" && grant.PermittedIP != requestIP {
		return ReasonIPNotPermitted
	}
	return ""
}

// BeginAttempt records the start of a transfer under a grant.
func (gh *GrantHandler) BeginAttempt(grant *stor.AccessGrant, file *stor.ContentObject, reqCtx RequestContext) (*stor.DownloadAttempt, error) {

	attempt := &stor.DownloadAttempt{
		GrantID:     grant.UUID,
		FileID:      file.UUID,
		IP:          reqCtx.IP,
		UserAgent:   reqCtx.UserAgent,
		RangeHeader: reqCtx.RangeHeader,
		Status:      stor.ATTEMPT_STARTED,
		TotalBytes:  file.Size,
		StartedAt:   time.Now().Truncate(time.Second),
	}

	err := gh.Store.Attempt().Create(attempt)
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

// CompleteAttempt marks the attempt completed and consumes one download
// slot on the grant. The slot is taken with a conditional update; under
// concurrent completions on the same grant the losing caller gets a
// limit_exceeded failure and the attempt is marked failed instead.
func (gh *GrantHandler) CompleteAttempt(grant *stor.AccessGrant, attempt *stor.DownloadAttempt, bytesSent int64) error {

	err := gh.Store.Grant().IncrementDownloads(grant.ID)
	if err != nil {
		if errors.Is(err, stor.ErrLimitReached) {
			gh.FailAttempt(attempt, ReasonLimitExceeded)
			return &InvalidAccessError{Reason: ReasonLimitExceeded}
		}
		return err
	}

	now := time.Now().Truncate(time.Second)
	attempt.Status = stor.ATTEMPT_COMPLETED
	attempt.BytesSent = bytesSent
	attempt.EndedAt = &now
	err = gh.Store.Attempt().Update(attempt)
	if err != nil {
		return err
	}

	grant.DownloadsUsed++
	return nil
}

// FailAttempt marks the attempt failed; the grant counter is not touched.
func (gh *GrantHandler) FailAttempt(attempt *stor.DownloadAttempt, reason string) error {

	now := time.Now().Truncate(time.Second)
	attempt.Status = stor.ATTEMPT_FAILED
	attempt.FailureReason = reason
	attempt.EndedAt = &now
	return gh.Store.Attempt().Update(attempt)
}

// Revoke puts the grant in its terminal revoked state.
func (gh *GrantHandler) Revoke(grant *stor.AccessGrant, reason string) error {

	now := time.Now().Truncate(time.Second)
	grant.Status = stor.STATUS_REVOKED
	grant.StatusUpdated = &now
	grant.Audit = append(grant.Audit, stor.AuditEntry{At: now, Action: "revoke", Detail: reason})

	log.Infof("Grant %s revoked: %s", grant.UUID, reason)
	return gh.Store.Grant().Update(grant)
}

// ExtendExpiry pushes the expiry date out by a number of days.
func (gh *GrantHandler) ExtendExpiry(grant *stor.AccessGrant, days int) error {

	if days <= 0 {
		return errors.New("extension must be a positive number of days")
	}
	now := time.Now().Truncate(time.Second)
	grant.ExpiresAt = grant.ExpiresAt.AddDate(0, 0, days)
	grant.Audit = append(grant.Audit, stor.AuditEntry{At: now, Action: "extend_expiry", Detail: fmt.Sprintf("%d days", days)})

	log.Infof("Grant %s extended; the new end date is %s", grant.UUID, grant.ExpiresAt.Format(time.RFC822))
	return gh.Store.Grant().Update(grant)
}

// IncreaseLimit raises the download cap.
func (gh *GrantHandler) IncreaseLimit(grant *stor.AccessGrant, extra int) error {

	if extra <= 0 {
		return errors.New("limit increase must be positive")
	}
	now := time.Now().Truncate(time.Second)
	grant.DownloadLimit += extra
	grant.Audit = append(grant.Audit, stor.AuditEntry{At: now, Action: "increase_limit", Detail: fmt.Sprintf("+%d downloads", extra)})

	return gh.Store.Grant().Update(grant)
}
