package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/store"
	"github.com/BTreeMap/SalonPipe/internal/util"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout of a tenants file.
type seedFile struct {
	Tenants []seedTenant `yaml:"tenants"`
}

type seedTenant struct {
	models.Tenant `yaml:",inline"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
}

// LoadFile parses a YAML tenants file. Business phones are normalized to E.164.
func LoadFile(path string) ([]models.Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenants file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tenants file %s: %w", path, err)
	}
	tenants := make([]models.Tenant, 0, len(f.Tenants))
	for i, st := range f.Tenants {
		t := st.Tenant
		t.BusinessPhone = util.NormalizePhone(t.BusinessPhone)
		if t.BusinessPhone == "" {
			return nil, fmt.Errorf("tenant %d in %s: business_phone is required", i, path)
		}
		t.Active = st.Active == nil || *st.Active
		tenants = append(tenants, t)
	}
	return tenants, nil
}

// Seed upserts tenants into the repository. Tenants without an id reuse the
// id of an existing record with the same business phone, or get a new UUID.
func Seed(ctx context.Context, repo store.TenantRepo, tenants []models.Tenant) error {
	for _, t := range tenants {
		if t.ID == "" {
			existing, err := repo.FindTenantByPhones(ctx, util.PhoneVariants(t.BusinessPhone))
			switch {
			case err == nil:
				t.ID = existing.ID
			case errors.Is(err, models.ErrTenantNotFound):
				t.ID = uuid.NewString()
			default:
				return fmt.Errorf("failed to look up tenant %s: %w", t.BusinessPhone, err)
			}
		}
		if err := repo.UpsertTenant(ctx, t); err != nil {
			return err
		}
		slog.Info("tenant.Seed: tenant upserted", "tenant", t.ID, "business_phone", t.BusinessPhone,
			"eligible", t.Eligible(), "llm_api_key_set", t.LLMAPIKey != "", "book_auth_key_set", t.BookAuthKey != "")
	}
	return nil
}
