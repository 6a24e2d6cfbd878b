// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package delivery

import (
	"embed"
	"errors"
	"fmt"

	jsonschema "github.com/xeipuuv/gojsonschema"
)

//go:embed data/order.schema.json
var jsfs embed.FS

// ValidateOrderPayload checks an incoming order document against the
// embedded JSON schema, before any unmarshalling or orchestration.
func ValidateOrderPayload(payload []byte) error {

	schema, err := jsfs.ReadFile("data/order.schema.json")
	if err != nil {
		return err
	}

	schemaLoader := jsonschema.NewBytesLoader(schema)
	documentLoader := jsonschema.NewBytesLoader(payload)

	result, err := jsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		message := "invalid order payload:"
		for _, desc := range result.Errors() {
			message += fmt.Sprintf(" %s;", desc)
		}
		return errors.New(message)
	}
	return nil
}
