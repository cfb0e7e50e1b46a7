// Package cudadriver implements cuda.Context on top of the CUDA driver API.
//
// It requires cgo and the CUDA toolkit, and is only compiled in with the "cuda"
// build tag:
//
//	go build -tags cuda ./...
//
// Without the tag, New returns an error and the tests fall back to cudamock.
package cudadriver
