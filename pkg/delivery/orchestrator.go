// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package delivery converts a confirmed purchase into concrete grants,
// licenses and notifications. Per item failures are isolated: one failing
// product never blocks the delivery of the others in the same order.
package delivery

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vendlab/delivery-server/pkg/commerce"
	"github.com/vendlab/delivery-server/pkg/conf"
	"github.com/vendlab/delivery-server/pkg/grant"
	"github.com/vendlab/delivery-server/pkg/lic"
	"github.com/vendlab/delivery-server/pkg/stor"
)

// ItemResult gathers what was issued for one fulfilled line item.
type ItemResult struct {
	ProductID string              `json:"product_id"`
	Grants    []*stor.AccessGrant `json:"grants"`
	Licenses  []*stor.LicenseKey  `json:"licenses,omitempty"`
}

// ItemFailure records why one line item could not be fulfilled.
type ItemFailure struct {
	ProductID string `json:"product_id"`
	Error     string `json:"error"`
}

// FulfillmentReport is the outcome of one order fulfillment.
type FulfillmentReport struct {
	OrderID           string        `json:"order_id"`
	Successes         []ItemResult  `json:"successes"`
	Failures          []ItemFailure `json:"failures"`
	NotificationError string        `json:"notification_error,omitempty"`
}

// CleanupReport is the outcome of one expiry sweep.
type CleanupReport struct {
	ExpiredGrants   int64 `json:"expired_grants"`
	ExpiredLicenses int64 `json:"expired_licenses"`
}

// Orchestrator fans a confirmed order out over its digital line items.
type Orchestrator struct {
	Config *conf.Config
	stor.Store
	Notifier Notifier
}

func NewOrchestrator(cf *conf.Config, st stor.Store, n Notifier) *Orchestrator {
	return &Orchestrator{
		Config:   cf,
		Store:    st,
		Notifier: n,
	}
}

// Fulfill issues grants and licenses for every digital line item of the
// order, inside a single transaction. A per item error is caught and
// appended to the report; the other items and the transaction are not
// aborted. Partial delivery is preferable to all-or-nothing failure
// across unrelated products.
func (o *Orchestrator) Fulfill(ctx context.Context, order *commerce.Order) (*FulfillmentReport, error) {

	report := &FulfillmentReport{OrderID: order.OrderID}

	err := o.Store.Transaction(func(tx stor.Store) error {

		for _, item := range order.Items {
			if !item.Product.IsDigital {
				continue
			}
			// each item runs in a nested transaction (a savepoint), so a
			// failure partway through an item rolls back its own grants
			// and licenses only
			var result *ItemResult
			err := tx.Transaction(func(itemTx stor.Store) error {
				gh := grant.NewGrantHandler(itemTx)
				lh := lic.NewLicenseHandler(o.Config.Licenses.Policies, itemTx)
				var err error
				result, err = fulfillItem(gh, lh, order, item)
				return err
			})
			if err != nil {
				log.Errorf("Fulfillment of product %s failed for order %s: %v", item.Product.ProductID, order.OrderID, err)
				report.Failures = append(report.Failures, ItemFailure{
					ProductID: item.Product.ProductID,
					Error:     err.Error(),
				})
				continue
			}
			report.Successes = append(report.Successes, *result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Order %s fulfilled: %d items delivered, %d failed", order.OrderID, len(report.Successes), len(report.Failures))

	// notify the buyer for auto delivery items; a failure here is reported
	// but never undoes the grants and licenses already created
	if o.Notifier != nil && hasAutoDelivery(order) && len(report.Successes) > 0 {
		notification, err := o.buildNotification(order, report)
		if err == nil {
			err = o.Notifier.Notify(ctx, notification)
		}
		if err != nil {
			log.Errorf("Notification failed for order %s: %v", order.OrderID, err)
			report.NotificationError = err.Error()
		}
	}

	return report, nil
}

// fulfillItem issues the purchased quantity of grants, plus licenses when
// the product requires them.
func fulfillItem(gh *grant.GrantHandler, lh *lic.LicenseHandler, order *commerce.Order, item commerce.LineItem) (*ItemResult, error) {

	result := &ItemResult{ProductID: item.Product.ProductID}

	for i := 0; i < item.Quantity; i++ {
		g, err := gh.Issue(item.Product, order.UserID, order.OrderID, "", grant.RequestContext{})
		if err != nil {
			return nil, err
		}
		result.Grants = append(result.Grants, g)

		if item.Product.RequiresLicense {
			l, err := lh.Issue(item.Product, order.UserID, order.OrderID, item.Product.LicenseType)
			if err != nil {
				return nil, err
			}
			result.Licenses = append(result.Licenses, l)
		}
	}
	return result, nil
}

func hasAutoDelivery(order *commerce.Order) bool {
	for _, item := range order.Items {
		if item.Product.IsDigital && item.Product.AutoDelivery {
			return true
		}
	}
	return false
}

// CleanupExpired flips lazily expired active grants and licenses to their
// stored expired status. Validation never depends on this sweep; it only
// bounds how stale the stored status can get. The sweep is idempotent.
func (o *Orchestrator) CleanupExpired() (*CleanupReport, error) {

	now := time.Now().Truncate(time.Second)

	expiredGrants, err := o.Store.Grant().ExpireStale(now)
	if err != nil {
		return nil, err
	}
	expiredLicenses, err := o.Store.License().ExpireStale(now)
	if err != nil {
		return nil, err
	}

	if expiredGrants > 0 || expiredLicenses > 0 {
		log.Infof("Expiry sweep: %d grants, %d licenses", expiredGrants, expiredLicenses)
	}
	return &CleanupReport{ExpiredGrants: expiredGrants, ExpiredLicenses: expiredLicenses}, nil
}
