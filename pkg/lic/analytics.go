// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package lic

import (
	"github.com/vendlab/delivery-server/pkg/stor"
)

// Analytics aggregates license usage, globally or for one product.
type Analytics struct {
	Total                    int64          `json:"total"`
	Active                   int64          `json:"active"`
	Expired                  int64          `json:"expired"`
	Revoked                  int64          `json:"revoked"`
	TotalActivations         int64          `json:"total_activations"`
	AvgActivationsPerLicense float64        `json:"avg_activations_per_license"`
	FullyActivated           int64          `json:"fully_activated"`
	TypeDistribution         map[string]int `json:"type_distribution"`
}

// Analytics computes license statistics. Pure aggregation, no side
// effects. An empty productID covers all licenses.
func (lh *LicenseHandler) Analytics(productID string) (*Analytics, error) {

	var licenses *[]stor.LicenseKey
	var err error
	if productID != "" {
		licenses, err = lh.Store.License().FindByProduct(productID)
	} else {
		licenses, err = lh.Store.License().ListAll()
	}
	if err != nil {
		return nil, err
	}

	stats := &Analytics{TypeDistribution: map[string]int{}}
	for _, l := range *licenses {
		stats.Total++
		switch l.Status {
		case stor.STATUS_ACTIVE:
			stats.Active++
		case stor.STATUS_EXPIRED:
			stats.Expired++
		case stor.STATUS_REVOKED:
			stats.Revoked++
		}
		stats.TotalActivations += int64(l.ActivationsUsed)
		if l.ActivationsUsed >= l.ActivationLimit {
			stats.FullyActivated++
		}
		stats.TypeDistribution[l.Type]++
	}
	if stats.Total > 0 {
		stats.AvgActivationsPerLicense = float64(stats.TotalActivations) / float64(stats.Total)
	}

	return stats, nil
}
