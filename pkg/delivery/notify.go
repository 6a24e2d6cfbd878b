// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jtacoma/uritemplates"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/vendlab/delivery-server/pkg/commerce"
)

// Notification is the payload handed to the notification collaborator,
// which renders and sends the actual message to the buyer.
type Notification struct {
	OrderID   string             `json:"order_id"`
	UserID    string             `json:"user_id"`
	UserEmail string             `json:"user_email,omitempty"`
	UserName  string             `json:"user_name,omitempty"`
	Items     []NotificationItem `json:"items"`
}

type NotificationItem struct {
	ProductID   string           `json:"product_id"`
	ProductName string           `json:"product_name"`
	Grants      []GrantSummary   `json:"grants"`
	Licenses    []LicenseSummary `json:"licenses,omitempty"`
	Files       []FileSummary    `json:"files,omitempty"`
}

type GrantSummary struct {
	Token         string    `json:"token"`
	DownloadURL   string    `json:"download_url"`
	DownloadLimit int       `json:"download_limit"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type LicenseSummary struct {
	Key             string     `json:"key"`
	TypeLabel       string     `json:"type_label"`
	ActivationLimit int        `json:"activation_limit"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

type FileSummary struct {
	Name        string `json:"name"`
	Size        string `json:"size"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	IsPrimary   bool   `json:"is_primary"`
}

// Notifier is the outbound notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// WebhookNotifier posts the notification payload to a configured URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, notification *Notification) error {

	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// buildNotification renders grants, licenses and deliverable files into
// the collaborator payload.
func (o *Orchestrator) buildNotification(order *commerce.Order, report *FulfillmentReport) (*Notification, error) {

	tmpl := o.Config.Delivery.DownloadLinkTemplate
	if tmpl == "" {
		tmpl = o.Config.PublicBaseUrl + "/downloads/{token}"
	}
	linkTemplate, err := uritemplates.Parse(tmpl)
	if err != nil {
		return nil, err
	}

	productNames := map[string]string{}
	for _, item := range order.Items {
		productNames[item.Product.ProductID] = item.Product.Name
	}

	notification := &Notification{
		OrderID:   order.OrderID,
		UserID:    order.UserID,
		UserEmail: order.UserEmail,
		UserName:  order.UserName,
	}

	for _, success := range report.Successes {
		item := NotificationItem{
			ProductID:   success.ProductID,
			ProductName: productNames[success.ProductID],
		}

		for _, g := range success.Grants {
			url, err := linkTemplate.Expand(map[string]interface{}{"token": g.Token})
			if err != nil {
				return nil, err
			}
			item.Grants = append(item.Grants, GrantSummary{
				Token:         g.Token,
				DownloadURL:   url,
				DownloadLimit: g.DownloadLimit,
				ExpiresAt:     g.ExpiresAt,
			})
		}

		for _, l := range success.Licenses {
			item.Licenses = append(item.Licenses, LicenseSummary{
				Key:             l.Key,
				TypeLabel:       typeLabel(l.Type),
				ActivationLimit: l.ActivationLimit,
				ExpiresAt:       l.ExpiresAt,
			})
		}

		files, err := o.Store.Content().FindByProduct(success.ProductID)
		if err != nil {
			return nil, err
		}
		for _, f := range *files {
			if !f.IsActive {
				continue
			}
			item.Files = append(item.Files, FileSummary{
				Name:        f.Name,
				Size:        formatSize(f.Size),
				Version:     f.Version,
				Description: f.Description,
				IsPrimary:   f.IsPrimary,
			})
		}

		notification.Items = append(notification.Items, item)
	}

	return notification, nil
}

// typeLabel turns a license type value into a displayable label,
// e.g. "single_use" becomes "Single Use".
func typeLabel(licenseType string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(licenseType, "_", " "))
}

// formatSize renders a byte count for humans.
func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
