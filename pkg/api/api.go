// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Package api manages the api controllers
package api

import (
	"github.com/vendlab/delivery-server/pkg/conf"
	"github.com/vendlab/delivery-server/pkg/content"
	"github.com/vendlab/delivery-server/pkg/delivery"
	"github.com/vendlab/delivery-server/pkg/grant"
	"github.com/vendlab/delivery-server/pkg/lic"
	"github.com/vendlab/delivery-server/pkg/stor"
)

// APICtrl contains the context required by http handlers.
type APICtrl struct {
	*conf.Config
	stor.Store
	Content      *content.Store
	Grants       *grant.GrantHandler
	Licenses     *lic.LicenseHandler
	Orchestrator *delivery.Orchestrator
}

// NewAPICtrl returns a new API controller
func NewAPICtrl(cf *conf.Config, st stor.Store, cs *content.Store, orch *delivery.Orchestrator) *APICtrl {
	return &APICtrl{
		Config:       cf,
		Store:        st,
		Content:      cs,
		Grants:       grant.NewGrantHandler(st),
		Licenses:     lic.NewLicenseHandler(cf.Licenses.Policies, st),
		Orchestrator: orch,
	}
}
