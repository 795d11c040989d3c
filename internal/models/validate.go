// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. validator.Validate caches
// struct metadata internally and is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a producer response against its structural constraints.
// It returns a wrapped validator error naming the offending fields.
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("structural validation failed: %w", err)
	}
	return nil
}
