// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package delivery

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	log "github.com/sirupsen/logrus"
)

// Sweeper runs the expiry sweep on a fixed interval.
type Sweeper struct {
	scheduler gocron.Scheduler
}

// StartSweeper schedules CleanupExpired every intervalMinutes. A zero or
// negative interval disables the sweeper.
func StartSweeper(o *Orchestrator, intervalMinutes int) (*Sweeper, error) {

	if intervalMinutes <= 0 {
		log.Println("Expiry sweeper disabled.")
		return nil, nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Duration(intervalMinutes)*time.Minute),
		gocron.NewTask(func() {
			if _, err := o.CleanupExpired(); err != nil {
				log.Errorf("Expiry sweep failed: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	log.Printf("Expiry sweeper started, interval %d minutes", intervalMinutes)

	return &Sweeper{scheduler: scheduler}, nil
}

// Stop halts the sweeper, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	if err := s.scheduler.Shutdown(); err != nil {
		log.Errorf("Failed to stop the sweeper: %v", err)
	}
}
