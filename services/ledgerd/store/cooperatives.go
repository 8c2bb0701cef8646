package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"coopledger/services/ledgerd/models"
)

// CreateCooperative persists a newly provisioned tenant.
func (s *Store) CreateCooperative(ctx context.Context, coop *models.Cooperative) error {
	if coop == nil || strings.TrimSpace(coop.ID) == "" {
		return fmt.Errorf("store: cooperative id required")
	}
	now := s.now()
	coop.CreatedAt = now
	coop.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(coop).Error; err != nil {
		return fmt.Errorf("store: create cooperative: %w", err)
	}
	return nil
}

// Cooperative loads a tenant by id.
func (s *Store) Cooperative(ctx context.Context, id string) (*models.Cooperative, error) {
	var coop models.Cooperative
	if err := s.db.WithContext(ctx).First(&coop, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load cooperative: %w", err)
	}
	return &coop, nil
}

// CooperativeByContract resolves the tenant owning one of its core contracts.
func (s *Store) CooperativeByContract(ctx context.Context, contract string) (*models.Cooperative, error) {
	var coop models.Cooperative
	err := s.db.WithContext(ctx).
		Where("coop_contract = ? OR eur_contract = ?", contract, contract).
		First(&coop).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load cooperative by contract: %w", err)
	}
	return &coop, nil
}

// OwnerRole identifies which core contract ownership changed.
type OwnerRole string

const (
	RoleCoopOwner OwnerRole = "coop_owner"
	RoleEurOwner  OwnerRole = "eur_owner"
)

// SetOwner sets the owner of one of the tenant's contracts. Repeating the call with the same
// owner is a no-op, so concurrent observers of one transfer converge.
func (s *Store) SetOwner(ctx context.Context, tenantID string, role OwnerRole, owner string) error {
	switch role {
	case RoleCoopOwner, RoleEurOwner:
	default:
		return fmt.Errorf("store: unknown owner role %q", role)
	}
	res := s.db.WithContext(ctx).Model(&models.Cooperative{}).
		Where("id = ?", tenantID).
		Updates(map[string]interface{}{string(role): owner, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("store: set %s: %w", role, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
