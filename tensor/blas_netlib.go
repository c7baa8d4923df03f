//go:build netlib

// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// Building with -tags netlib links against a system CBLAS for all
// single-precision matrix multiplies.
func init() {
	blas32.Use(netlib.Implementation{})
}
