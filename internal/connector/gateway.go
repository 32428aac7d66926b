// Package connector is the boundary to the upstream school-information
// systems. A Gateway performs a single per-school, per-endpoint sync call.
package connector

import (
	"context"
)

// School identifies one unit of work against an upstream source.
type School struct {
	ID     string
	Source Source
	Name   string
}

// Result is returned by a successful endpoint call.
type Result struct {
	Records int
}

//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks -source=gateway.go Gateway

// Gateway performs one upstream data-sync call for a school and endpoint.
// Implementations must honour ctx cancellation and deadlines.
type Gateway interface {
	Sync(ctx context.Context, school School, endpoint Endpoint) (Result, error)
}
