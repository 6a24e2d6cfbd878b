// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vendlab/delivery-server/pkg/commerce"
	"github.com/vendlab/delivery-server/pkg/delivery"
)

// Fulfill converts a confirmed order into grants, licenses and a buyer
// notification. The payload is checked against the order JSON schema
// before anything is unmarshalled. A partially fulfilled order still
// returns 200; per item failures are listed in the report.
func (a *APICtrl) Fulfill(w http.ResponseWriter, r *http.Request) {

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := delivery.ValidateOrderPayload(payload); err != nil {
		log.Errorf("Order payload rejected: %v", err)
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	var order commerce.Order
	if err := json.Unmarshal(payload, &order); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	validate := validator.New()
	if err := validate.Struct(&order); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	report, err := a.Orchestrator.Fulfill(r.Context(), &order)
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}

	render.JSON(w, r, report)
}

// Cleanup runs the expiry sweep on demand and returns its report.
// The same sweep also runs on the scheduler.
func (a *APICtrl) Cleanup(w http.ResponseWriter, r *http.Request) {

	report, err := a.Orchestrator.CleanupExpired()
	if err != nil {
		render.Render(w, r, ErrServer(err))
		return
	}
	render.JSON(w, r, report)
}
