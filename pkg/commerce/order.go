// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package commerce defines the boundary with the external commerce
// domain: a confirmed order, its line items and the digital delivery
// policy each product carries. Products, buyers and orders are owned by
// the commerce system; we only hold their identifiers and policies.
package commerce

// ProductPolicy is the digital delivery policy attached to a product by
// the commerce system.
type ProductPolicy struct {
	ProductID          string `json:"product_id" validate:"required"`
	Name               string `json:"name"`
	IsDigital          bool   `json:"is_digital"`
	RequiresLicense    bool   `json:"requires_license"`
	LicenseType        string `json:"license_type,omitempty"`
	KeyPrefix          string `json:"key_prefix,omitempty"`
	DownloadLimit      int    `json:"download_limit"`
	DownloadWindowDays int    `json:"download_window_days"`
	AutoDelivery       bool   `json:"auto_delivery"`
}

// LineItem is one purchased product with its quantity.
type LineItem struct {
	Product  ProductPolicy `json:"product"`
	Quantity int           `json:"quantity" validate:"gt=0"`
}

// Order is a confirmed purchase, ready for fulfillment.
type Order struct {
	OrderID   string     `json:"order_id" validate:"required"`
	UserID    string     `json:"user_id" validate:"required"`
	UserEmail string     `json:"user_email,omitempty"`
	UserName  string     `json:"user_name,omitempty"`
	Items     []LineItem `json:"items" validate:"required,dive"`
}
