//go:build !windows

package wca

import (
	"context"

	"github.com/nik9play/miccore/pkg/miccore/internal/apartment"
)

type policyAdapter struct{}

// NewPolicyAdapter on non-Windows platforms returns an adapter whose
// calls always fail with ErrUnsupportedPlatform; worker is accepted only
// to keep the constructor signature identical across platforms.
func NewPolicyAdapter(worker *apartment.Worker) PolicyAdapter {
	return &policyAdapter{}
}

func (p *policyAdapter) SetDefault(ctx context.Context, id string, role Role) error {
	return ErrUnsupportedPlatform
}

func (p *policyAdapter) SetDefaultAll(ctx context.Context, id string) error {
	return ErrUnsupportedPlatform
}
