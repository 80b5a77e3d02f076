package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

func TestNewCarriesKindCodeHint(t *testing.T) {
	err := fault.New(fault.KindUnsafeBulk, "bulk delete on %q with empty filter", "users")

	require.True(t, fault.IsUnsafeBulkErr(err))
	assert.Equal(t, fault.KindUnsafeBulk, fault.KindOf(err))
	assert.Equal(t, "DF1003", fault.CodeOf(err))
	assert.NotEmpty(t, fault.HintOf(err))
	assert.Contains(t, err.Error(), `bulk delete on "users"`)
	assert.Contains(t, err.Error(), "dataflow: ")
}

func TestWrapMatchesSentinelAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := fault.Wrap(fault.KindAdapter, cause, "ping failed")

	require.True(t, errors.Is(err, fault.ErrAdapter))
	require.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrappingPreservesKind(t *testing.T) {
	inner := fault.New(fault.KindTenantRequired, "no active tenant")
	outer := fmt.Errorf("listing users: %w", inner)

	require.True(t, fault.IsTenantRequiredErr(outer))
	assert.Equal(t, fault.KindTenantRequired, fault.KindOf(outer))
	assert.Equal(t, "DF1004", fault.CodeOf(outer))
}

func TestWithColumnAppearsInMessage(t *testing.T) {
	err := fault.New(fault.KindConstraint, "unique violation on insert").WithColumn("email")

	assert.Equal(t, "email", err.Column)
	assert.Contains(t, err.Error(), `(column "email")`)
}

func TestManualRecoveryCarriesTablesAndRemaining(t *testing.T) {
	err := fault.New(fault.KindManualRecovery, "rollback stopped at step 3").
		WithTables("products", "categories").
		WithRemaining(`ALTER TABLE "products" ALTER COLUMN "id" TYPE integer`)

	require.True(t, fault.IsManualRecoveryErr(err))
	assert.Equal(t, []string{"products", "categories"}, err.Tables)
	require.Len(t, err.Remaining, 1)
}

func TestKindsAreDistinct(t *testing.T) {
	all := []error{
		fault.ErrValidation, fault.ErrInvalidFilter, fault.ErrUnsafeBulk,
		fault.ErrTenantRequired, fault.ErrTenantUnavailable, fault.ErrTenantInUse,
		fault.ErrAdapter, fault.ErrConstraint, fault.ErrMigrationLockHeld,
		fault.ErrMigrationAborted, fault.ErrManualRecovery, fault.ErrCacheBackend,
		fault.ErrWrongContext, fault.ErrInternal,
	}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "sentinel %d should not match %d", i, j)
		}
	}
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, fault.Kind(0), fault.KindOf(errors.New("plain")))
	assert.Empty(t, fault.CodeOf(errors.New("plain")))
}

func TestKindStrings(t *testing.T) {
	cases := map[fault.Kind]string{
		fault.KindValidation:     "validation",
		fault.KindInvalidFilter:  "invalid_filter",
		fault.KindWrongContext:   "wrong_context",
		fault.KindManualRecovery: "manual_recovery_required",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}
