package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"deliveryinsight/internal/db"
)

// Fixture holds the ids of a minimal onboarded organisation: one delivery
// stream on project PAY, one tech stream on installation 42 owning the
// deployable repository acme/payments and the non-deployable acme/docs.
type Fixture struct {
	Delivery     db.DeliveryStream
	Tech         db.TechStream
	Repo         db.Repository
	DocsRepo     db.Repository
	Installation int64
}

// Seed inserts the standard fixture.
func Seed(t *testing.T, gdb *gorm.DB) Fixture {
	t.Helper()

	board := int64(7)
	f := Fixture{Installation: 42}
	f.Delivery = db.DeliveryStream{Name: "Payments", JiraProjectKey: "PAY", JiraBoardID: &board, IsActive: true}
	require.NoError(t, gdb.Create(&f.Delivery).Error)

	install := f.Installation
	f.Tech = db.TechStream{Name: "platform", GithubOrg: "acme", GithubInstallationID: &install, IsActive: true}
	require.NoError(t, gdb.Create(&f.Tech).Error)

	f.Repo = db.Repository{TechStreamID: f.Tech.ID, Org: "acme", Name: "payments", IsDeployable: true, IsActive: true}
	require.NoError(t, gdb.Create(&f.Repo).Error)

	f.DocsRepo = db.Repository{TechStreamID: f.Tech.ID, Org: "acme", Name: "docs", IsActive: true}
	require.NoError(t, gdb.Create(&f.DocsRepo).Error)
	// IsDeployable has a database default of true; force the zero value.
	require.NoError(t, gdb.Model(&f.DocsRepo).Update("is_deployable", false).Error)
	f.DocsRepo.IsDeployable = false

	return f
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
