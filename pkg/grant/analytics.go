// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package grant

import (
	"time"

	"github.com/vendlab/delivery-server/pkg/stor"
)

// Analytics aggregates the download attempts of one grant.
type Analytics struct {
	Attempts         int64   `json:"attempts"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	SuccessRate      float64 `json:"success_rate"`
	BytesTransferred int64   `json:"bytes_transferred"`
	AvgSpeedBps      float64 `json:"avg_speed_bps"`
	AvgDurationSec   float64 `json:"avg_duration_sec"`
	UniqueIPs        int     `json:"unique_ips"`
}

// Analytics computes transfer statistics for a grant. Pure aggregation
// over the recorded attempts, no side effects.
func (gh *GrantHandler) Analytics(grant *stor.AccessGrant) (*Analytics, error) {

	attempts, err := gh.Store.Attempt().ListByGrant(grant.UUID)
	if err != nil {
		return nil, err
	}

	stats := &Analytics{}
	ips := map[string]struct{}{}
	var totalDuration time.Duration
	var timedTransfers int64

	for _, a := range *attempts {
		stats.Attempts++
		if a.IP != "" {
			ips[a.IP] = struct{}{}
		}
		switch a.Status {
		case stor.ATTEMPT_COMPLETED:
			stats.Completed++
			stats.BytesTransferred += a.BytesSent
			if a.EndedAt != nil {
				totalDuration += a.EndedAt.Sub(a.StartedAt)
				timedTransfers++
			}
		case stor.ATTEMPT_FAILED:
			stats.Failed++
		}
	}

	stats.UniqueIPs = len(ips)
	if stats.Attempts > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Attempts)
	}
	if timedTransfers > 0 {
		stats.AvgDurationSec = totalDuration.Seconds() / float64(timedTransfers)
	}
	if totalDuration > 0 {
		stats.AvgSpeedBps = float64(stats.BytesTransferred) / totalDuration.Seconds()
	}

	return stats, nil
}
