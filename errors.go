package dataflow

import "github.com/dataflowhq/dataflow/pkg/fault"

// Sentinel errors for the engine's fault taxonomy. Every error the
// engine returns matches exactly one of these under errors.Is; wrap
// chains preserve the match. Stable codes DF1001 through DF1014 ride
// along for log correlation, via CodeOf.
var (
	ErrValidation        = fault.ErrValidation
	ErrInvalidFilter     = fault.ErrInvalidFilter
	ErrUnsafeBulk        = fault.ErrUnsafeBulk
	ErrTenantRequired    = fault.ErrTenantRequired
	ErrTenantUnavailable = fault.ErrTenantUnavailable
	ErrTenantInUse       = fault.ErrTenantInUse
	ErrAdapter           = fault.ErrAdapter
	ErrConstraint        = fault.ErrConstraint
	ErrMigrationLockHeld = fault.ErrMigrationLockHeld
	ErrMigrationAborted  = fault.ErrMigrationAborted
	ErrManualRecovery    = fault.ErrManualRecovery
	ErrCacheBackend      = fault.ErrCacheBackend
	ErrWrongContext      = fault.ErrWrongContext
	ErrInternal          = fault.ErrInternal
)

// CodeOf returns the stable DF-prefixed code for err, or "" for errors
// outside the taxonomy.
func CodeOf(err error) string { return fault.CodeOf(err) }

// HintOf returns the remediation hint attached to err, or the kind's
// default hint, or "".
func HintOf(err error) string { return fault.HintOf(err) }

// IsValidationErr reports whether err is a model, identifier, or
// configuration validation failure.
func IsValidationErr(err error) bool { return fault.IsValidationErr(err) }

// IsInvalidFilterErr reports whether err is a malformed filter document.
func IsInvalidFilterErr(err error) bool { return fault.IsInvalidFilterErr(err) }

// IsUnsafeBulkErr reports whether err is a bulk write blocked by safe
// mode.
func IsUnsafeBulkErr(err error) bool { return fault.IsUnsafeBulkErr(err) }

// IsTenantRequiredErr reports whether err is a multi-tenant operation
// attempted with no tenant active.
func IsTenantRequiredErr(err error) bool { return fault.IsTenantRequiredErr(err) }

// IsTenantUnavailableErr reports whether err is a switch into an
// unknown or deactivated tenant.
func IsTenantUnavailableErr(err error) bool { return fault.IsTenantUnavailableErr(err) }

// IsTenantInUseErr reports whether err is an unregister blocked by live
// tenant scopes.
func IsTenantInUseErr(err error) bool { return fault.IsTenantInUseErr(err) }

// IsAdapterErr reports whether err is a database connectivity or driver
// fault.
func IsAdapterErr(err error) bool { return fault.IsAdapterErr(err) }

// IsConstraintErr reports whether err is a database constraint
// violation.
func IsConstraintErr(err error) bool { return fault.IsConstraintErr(err) }

// IsMigrationLockHeldErr reports whether err is a migration blocked by
// another holder's lock.
func IsMigrationLockHeldErr(err error) bool { return fault.IsMigrationLockHeldErr(err) }

// IsMigrationAbortedErr reports whether err is a migration rolled back
// mid-plan.
func IsMigrationAbortedErr(err error) bool { return fault.IsMigrationAbortedErr(err) }

// IsManualRecoveryErr reports whether err is a failed rollback that
// left manual reverse steps. The unapplied statements ride on the
// *fault.Error's Remaining field, reachable with errors.As.
func IsManualRecoveryErr(err error) bool { return fault.IsManualRecoveryErr(err) }

// IsCacheBackendErr reports whether err is a cache backend fault. Reads
// fall through to the database when the cache misbehaves, so these
// surface mostly in logs.
func IsCacheBackendErr(err error) bool { return fault.IsCacheBackendErr(err) }

// IsWrongContextErr reports whether err is a synchronous entry called
// inside the async runtime.
func IsWrongContextErr(err error) bool { return fault.IsWrongContextErr(err) }

// IsInternalErr reports whether err is a broken engine invariant.
func IsInternalErr(err error) bool { return fault.IsInternalErr(err) }
