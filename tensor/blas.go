// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

// Matrix multiplication is delegated to gonum's BLAS layer. The default
// backend is the pure-Go gonum implementation; build with -tags netlib to
// route through a native CBLAS (see blas_netlib.go).

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// Gemm computes C = alpha * op(A) @ op(B) + beta * C on raw float32 slices
// with explicit leading dimensions. op(A) is [m, k], op(B) is [k, n] and
// C is [m, n]. This is the strided entry point used by the attention
// backward pass, which multiplies per-head views of larger tensors.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	blas32.Implementation().Sgemm(transpose(transA), transpose(transB),
		m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

// sgemm computes C = alpha * A @ B + beta * C for contiguous row-major
// matrices: A [m, k], B [k, n], C [m, n].
func sgemm(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	Gemm(false, false, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

// sgemmTransB computes C = alpha * A @ B^T + beta * C where A is [m, k]
// and B is [n, k]. Hot path for Linear.Forward with [out, in] weights.
func sgemmTransB(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	Gemm(false, true, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}
