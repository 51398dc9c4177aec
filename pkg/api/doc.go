// Package api serves runtime introspection over HTTP: open-flow and
// decode-error counts read live from a running pipeline, alongside the
// health/info routes every yafgo-family service exposes the same way.
//
// It follows the teacher's gin + cors + pprof + otelgin stack
// (pkg/api/server/server.go, pkg/api/middleware.go) without its
// huma-based OpenAPI layer and distributed-query surface, which this
// package has no use for (see DESIGN.md).
package api
