// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package lic manages license keys: activation limited credentials for
// software or usage rights on a bounded number of devices.
package lic

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/vendlab/delivery-server/pkg/commerce"
	"github.com/vendlab/delivery-server/pkg/conf"
	"github.com/vendlab/delivery-server/pkg/stor"
)

// Invalidity reason codes.
const (
	ReasonNotActive = "not_active"
	ReasonExpired   = "expired"
)

var (
	// ErrNotFound means the key string matches no license.
	ErrNotFound = errors.New("license not found")
	// ErrLicenseNotRequired means the product does not require licensing.
	ErrLicenseNotRequired = errors.New("product does not require licensing")
	// ErrUnknownType means the license type has no policy entry.
	ErrUnknownType = errors.New("unknown license type")
)

// InvalidLicenseError carries the reason a license failed validation.
type InvalidLicenseError struct {
	Reason string
}

func (e *InvalidLicenseError) Error() string {
	return "invalid license: " + e.Reason
}

// ActivationLimitError means no activation slot is left on the license.
type ActivationLimitError struct {
	Limit int
}

func (e *ActivationLimitError) Error() string {
	return fmt.Sprintf("activation limit reached (%d)", e.Limit)
}

// DeviceInfo identifies the device requesting an activation.
type DeviceInfo struct {
	ID        string
	Name      string
	IP        string
	UserAgent string
}

// ActivationResult is returned by Activate.
type ActivationResult struct {
	License   *stor.LicenseKey `json:"license"`
	Device    *stor.Activation `json:"device"`
	Remaining int              `json:"remaining_activations"`
}

// LicenseHandler implements license issuance, validation and the
// activation lifecycle. Activation limits and expiry policies come from
// the configured policy table, keyed by license type.
type LicenseHandler struct {
	Policies map[string]conf.LicensePolicy
	stor.Store
}

func NewLicenseHandler(policies map[string]conf.LicensePolicy, st stor.Store) *LicenseHandler {
	if policies == nil {
		policies = conf.DefaultLicensePolicies
	}
	return &LicenseHandler{Policies: policies, Store: st}
}

// keyAlphabet avoids ambiguous characters (0/O, 1/I)
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewKey generates a product prefixed license key of the form
// PREFIX-XXXX-XXXX-XXXX-XXXX from a cryptographically strong random
// source.
func NewKey(prefix string) (string, error) {
	if prefix == "" {
		prefix = "LIC"
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(strings.ToUpper(prefix))
	for i, c := range b {
		if i%4 == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(keyAlphabet[int(c)%len(keyAlphabet)])
	}
	return sb.String(), nil
}

// Issue creates a license for one purchased unit. The activation limit
// and the expiry date derive from the policy table entry for the type.
func (lh *LicenseHandler) Issue(product commerce.ProductPolicy, userID, orderID, licenseType string) (*stor.LicenseKey, error) {

	if !product.RequiresLicense {
		return nil, ErrLicenseNotRequired
	}
	if licenseType == "" {
		licenseType = stor.LICENSE_SINGLE_USE
	}
	policy, ok := lh.Policies[licenseType]
	if !ok {
		return nil, ErrUnknownType
	}

	key, err := NewKey(product.KeyPrefix)
	if err != nil {
		return nil, err
	}

	license := &stor.LicenseKey{
		UUID:            uuid.New().String(),
		Key:             key,
		ProductID:       product.ProductID,
		UserID:          userID,
		OrderID:         orderID,
		Type:            licenseType,
		Status:          stor.STATUS_ACTIVE,
		ActivationLimit: policy.ActivationLimit,
	}
	// perpetual types have no expiry
	if policy.ExpiryDays > 0 {
		expires := time.Now().AddDate(0, 0, policy.ExpiryDays).Truncate(time.Second)
		license.ExpiresAt = &expires
	}

	err = lh.Store.License().Create(license)
	if err != nil {
		return nil, err
	}

	log.Infof("License %s issued for product %s, order %s", license.UUID, product.ProductID, orderID)
	return license, nil
}

// Validate looks a license up by key string and checks the validity
// predicate. Expiry is evaluated lazily against the wall clock.
func (lh *LicenseHandler) Validate(key string) (*stor.LicenseKey, error) {

	license, err := lh.Store.License().GetByKey(key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if reason := invalidityReason(license, time.Now()); reason != "" {
		return nil, &InvalidLicenseError{Reason: reason}
	}
	return license, nil
}

// invalidityReason derives validity from the stored fields and the clock.
// An empty return means the license is valid.
func invalidityReason(license *stor.LicenseKey, now time.Time) string {
	if license.Status != stor.STATUS_ACTIVE {
		return ReasonNotActive
	}
	if license.ExpiresAt != nil && !now.Before(*license.ExpiresAt) {
		return ReasonExpired
	}
	return ""
}

// Activate consumes one activation slot and records the device. The slot
// is taken with a conditional update, so concurrent activations on the
// same license can never exceed the limit. Re-activating a device that is
// already active is idempotent and consumes no slot.
func (lh *LicenseHandler) Activate(key string, device DeviceInfo) (*ActivationResult, error) {

	license, err := lh.Validate(key)
	if err != nil {
		return nil, err
	}

	// the idempotency check and the slot consumption run in one
	// transaction; a failed activation frees its slot on rollback
	var result *ActivationResult
	var consumed bool
	err = lh.Store.Transaction(func(tx stor.Store) error {

		// the device may already hold a slot
		existing, err := tx.License().GetActiveDevice(license.UUID, device.ID)
		if err == nil {
			result = &ActivationResult{
				License:   license,
				Device:    existing,
				Remaining: license.ActivationLimit - license.ActivationsUsed,
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.License().ConsumeActivation(license.ID); err != nil {
			return err
		}

		activation := &stor.Activation{
			LicenseID:   license.UUID,
			DeviceID:    device.ID,
			DeviceName:  device.Name,
			IP:          device.IP,
			UserAgent:   device.UserAgent,
			ActivatedAt: time.Now().Truncate(time.Second),
		}
		if err := tx.License().AddActivation(activation); err != nil {
			return err
		}

		license.ActivationsUsed++
		consumed = true
		result = &ActivationResult{
			License:   license,
			Device:    activation,
			Remaining: license.ActivationLimit - license.ActivationsUsed,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, stor.ErrLimitReached) {
			return nil, &ActivationLimitError{Limit: license.ActivationLimit}
		}
		return nil, err
	}

	if consumed {
		log.Infof("License %s activated on device %s", license.UUID, device.ID)
	}
	return result, nil
}

// Deactivate frees the slot held by a device. With an empty deviceID the
// least recently activated active device is freed; this rule is a
// documented choice, not an accident.
func (lh *LicenseHandler) Deactivate(key string, deviceID string) (bool, error) {

	license, err := lh.Store.License().GetByKey(key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}

	var target *stor.Activation
	if deviceID != "" {
		target, err = lh.Store.License().GetActiveDevice(license.UUID, deviceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, nil
			}
			return false, err
		}
	} else {
		// least recently activated active device
		for i := range license.Activations {
			a := &license.Activations[i]
			if a.DeactivatedAt != nil {
				continue
			}
			if target == nil || a.ActivatedAt.Before(target.ActivatedAt) {
				target = a
			}
		}
		if target == nil {
			return false, nil
		}
	}

	now := time.Now().Truncate(time.Second)
	target.DeactivatedAt = &now
	err = lh.Store.License().UpdateActivation(target)
	if err != nil {
		return false, err
	}

	err = lh.Store.License().ReleaseActivation(license.ID)
	if err != nil {
		return false, err
	}

	log.Infof("License %s deactivated on device %s", license.UUID, target.DeviceID)
	return true, nil
}

// Revoke puts the license in its terminal revoked state.
func (lh *LicenseHandler) Revoke(license *stor.LicenseKey, reason string) error {

	now := time.Now().Truncate(time.Second)
	license.Status = stor.STATUS_REVOKED
	license.StatusUpdated = &now
	license.Audit = append(license.Audit, stor.AuditEntry{At: now, Action: "revoke", Detail: reason})

	log.Infof("License %s revoked: %s", license.UUID, reason)
	return lh.Store.License().Update(license)
}

// Extend pushes the expiry date out by a number of days. Perpetual
// licenses have no expiry to extend.
func (lh *LicenseHandler) Extend(license *stor.LicenseKey, days int) error {

	if days <= 0 {
		return errors.New("extension must be a positive number of days")
	}
	if license.ExpiresAt == nil {
		return errors.New("a perpetual license has no expiry to extend")
	}
	now := time.Now().Truncate(time.Second)
	newEnd := license.ExpiresAt.AddDate(0, 0, days)
	license.ExpiresAt = &newEnd
	license.Audit = append(license.Audit, stor.AuditEntry{At: now, Action: "extend", Detail: fmt.Sprintf("%d days", days)})

	log.Infof("License %s extended; the new end date is %s", license.UUID, newEnd.Format(time.RFC822))
	return lh.Store.License().Update(license)
}
