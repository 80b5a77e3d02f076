// Package fault defines the error taxonomy shared by every dataflow package.
//
// Errors are classified by Kind. Each kind has a sentinel value so callers can
// branch with errors.Is (or the Is*Err helpers), a stable code for log
// correlation, and a default remediation hint. Constructors wrap an optional
// cause; errors.Is matches both the sentinel and the cause chain.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for programmatic handling.
type Kind int

const (
	// KindValidation covers malformed model definitions, invalid
	// identifiers, unknown operators, and type mismatches. Caller-fixable.
	KindValidation Kind = iota + 1

	// KindInvalidFilter is a filter translator rejection. Caller-fixable.
	KindInvalidFilter

	// KindUnsafeBulk is an empty-filter bulk write without explicit
	// confirmation.
	KindUnsafeBulk

	// KindTenantRequired means a multi-tenant operation ran with no active
	// tenant.
	KindTenantRequired

	// KindTenantUnavailable means a switch targeted an unregistered or
	// deactivated tenant.
	KindTenantUnavailable

	// KindTenantInUse means an unregister targeted a tenant still held as
	// an active context.
	KindTenantInUse

	// KindAdapter is a transport or driver error. May be retryable.
	KindAdapter

	// KindConstraint is a unique/FK/check violation reported by the
	// database. Carries the offending column when the driver reports it.
	KindConstraint

	// KindMigrationLockHeld means another holder owns the migration lock.
	KindMigrationLockHeld

	// KindMigrationAborted means a migration failed and was rolled back.
	KindMigrationAborted

	// KindManualRecovery means rollback could not complete because a step
	// is irreversible. Carries the affected tables and the reverse SQL
	// that was not applied.
	KindManualRecovery

	// KindCacheBackend is a cache backend failure. Non-fatal; callers
	// degrade to a miss.
	KindCacheBackend

	// KindWrongContext means a sync-only entry point was called from
	// inside the async runtime.
	KindWrongContext

	// KindInternal is a violated internal invariant. Must not happen.
	KindInternal
)

// Sentinel errors, one per kind. These carry the kind's identity for
// errors.Is; concrete errors built by New and Wrap unwrap to them.
var (
	ErrValidation        = errors.New("dataflow: validation failed")
	ErrInvalidFilter     = errors.New("dataflow: invalid filter")
	ErrUnsafeBulk        = errors.New("dataflow: unsafe bulk operation")
	ErrTenantRequired    = errors.New("dataflow: tenant required")
	ErrTenantUnavailable = errors.New("dataflow: tenant unavailable")
	ErrTenantInUse       = errors.New("dataflow: tenant in use")
	ErrAdapter           = errors.New("dataflow: adapter fault")
	ErrConstraint        = errors.New("dataflow: constraint violation")
	ErrMigrationLockHeld = errors.New("dataflow: migration lock held")
	ErrMigrationAborted  = errors.New("dataflow: migration aborted")
	ErrManualRecovery    = errors.New("dataflow: manual recovery required")
	ErrCacheBackend      = errors.New("dataflow: cache backend fault")
	ErrWrongContext      = errors.New("dataflow: wrong execution context")
	ErrInternal          = errors.New("dataflow: internal invariant violated")
)

type kindInfo struct {
	sentinel error
	code     string
	hint     string
}

var kinds = map[Kind]kindInfo{
	KindValidation:        {ErrValidation, "DF1001", "check the model definition and identifier rules"},
	KindInvalidFilter:     {ErrInvalidFilter, "DF1002", "see the supported filter operators ($eq, $ne, $lt, $lte, $gt, $gte, $in, $nin, $regex, $like, $exists, $not, $between, $and, $or, $nor)"},
	KindUnsafeBulk:        {ErrUnsafeBulk, "DF1003", "pass safe_mode=false and confirmed=true to run a bulk write with an empty filter"},
	KindTenantRequired:    {ErrTenantRequired, "DF1004", "switch into a tenant before operating on multi-tenant models"},
	KindTenantUnavailable: {ErrTenantUnavailable, "DF1005", "register and activate the tenant before switching to it"},
	KindTenantInUse:       {ErrTenantInUse, "DF1006", "release all scopes holding this tenant before unregistering it"},
	KindAdapter:           {ErrAdapter, "DF1007", "check database connectivity; the operation may be retryable"},
	KindConstraint:        {ErrConstraint, "DF1008", "inspect the violated constraint and adjust the written data"},
	KindMigrationLockHeld: {ErrMigrationLockHeld, "DF1009", "wait for the current holder to finish, or force-release if the lock is stale"},
	KindMigrationAborted:  {ErrMigrationAborted, "DF1010", "the transaction was rolled back; review the failing step and re-plan"},
	KindManualRecovery:    {ErrManualRecovery, "DF1011", "apply the remaining reverse statements manually before retrying"},
	KindCacheBackend:      {ErrCacheBackend, "DF1012", "the cache is being bypassed; check the cache backend"},
	KindWrongContext:      {ErrWrongContext, "DF1013", "use the Async variant of this method inside the async runtime"},
	KindInternal:          {ErrInternal, "DF1014", "this is a dataflow bug; please report it"},
}

// String returns the kind's stable name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvalidFilter:
		return "invalid_filter"
	case KindUnsafeBulk:
		return "unsafe_bulk_operation"
	case KindTenantRequired:
		return "tenant_required"
	case KindTenantUnavailable:
		return "tenant_unavailable"
	case KindTenantInUse:
		return "tenant_in_use"
	case KindAdapter:
		return "adapter_fault"
	case KindConstraint:
		return "constraint_violation"
	case KindMigrationLockHeld:
		return "migration_lock_held"
	case KindMigrationAborted:
		return "migration_aborted"
	case KindManualRecovery:
		return "manual_recovery_required"
	case KindCacheBackend:
		return "cache_backend_fault"
	case KindWrongContext:
		return "wrong_context"
	case KindInternal:
		return "internal_invariant"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Code returns the kind's stable code (DF1001..DF1014).
func (k Kind) Code() string {
	return kinds[k].code
}

// Error is a classified dataflow error. Build with New or Wrap.
type Error struct {
	Kind Kind
	Code string
	Hint string

	// Column names the offending column for constraint violations, when
	// the driver reports one.
	Column string

	// Tables lists affected tables for manual-recovery faults.
	Tables []string

	// Remaining holds reverse SQL that was not applied during a partial
	// rollback.
	Remaining []string

	msg   string
	cause error
}

// New builds an Error of the given kind with a formatted message and the
// kind's default hint.
func New(kind Kind, format string, args ...any) *Error {
	info := kinds[kind]
	return &Error{
		Kind: kind,
		Code: info.code,
		Hint: info.hint,
		msg:  fmt.Sprintf(format, args...),
	}
}

// Wrap builds an Error of the given kind around a cause. errors.Is matches
// both the kind sentinel and cause's chain.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.cause = cause
	return e
}

// WithHint replaces the default remediation hint.
func (e *Error) WithHint(format string, args ...any) *Error {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// WithColumn records the offending column for constraint violations.
func (e *Error) WithColumn(column string) *Error {
	e.Column = column
	return e
}

// WithTables records the affected tables for manual-recovery faults.
func (e *Error) WithTables(tables ...string) *Error {
	e.Tables = tables
	return e
}

// WithRemaining records reverse SQL left unapplied by a partial rollback.
func (e *Error) WithRemaining(stmts ...string) *Error {
	e.Remaining = stmts
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("dataflow: ")
	b.WriteString(e.msg)
	if e.Column != "" {
		fmt.Fprintf(&b, " (column %q)", e.Column)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Message returns the message without the prefix, column, or cause.
func (e *Error) Message() string { return e.msg }

// Unwrap exposes both the kind sentinel and the cause so errors.Is and
// errors.As walk either branch.
func (e *Error) Unwrap() []error {
	info := kinds[e.Kind]
	if e.cause == nil {
		return []error{info.sentinel}
	}
	return []error{info.sentinel, e.cause}
}

// KindOf reports the Kind carried by err, or 0 when err is not a dataflow
// fault.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf reports the stable code carried by err, or "" when err is not a
// dataflow fault.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HintOf reports the remediation hint carried by err, or "".
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// IsValidationErr returns true if err is or wraps ErrValidation.
func IsValidationErr(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidFilterErr returns true if err is or wraps ErrInvalidFilter.
func IsInvalidFilterErr(err error) bool {
	return errors.Is(err, ErrInvalidFilter)
}

// IsUnsafeBulkErr returns true if err is or wraps ErrUnsafeBulk.
func IsUnsafeBulkErr(err error) bool {
	return errors.Is(err, ErrUnsafeBulk)
}

// IsTenantRequiredErr returns true if err is or wraps ErrTenantRequired.
func IsTenantRequiredErr(err error) bool {
	return errors.Is(err, ErrTenantRequired)
}

// IsTenantUnavailableErr returns true if err is or wraps ErrTenantUnavailable.
func IsTenantUnavailableErr(err error) bool {
	return errors.Is(err, ErrTenantUnavailable)
}

// IsTenantInUseErr returns true if err is or wraps ErrTenantInUse.
func IsTenantInUseErr(err error) bool {
	return errors.Is(err, ErrTenantInUse)
}

// IsAdapterErr returns true if err is or wraps ErrAdapter.
func IsAdapterErr(err error) bool {
	return errors.Is(err, ErrAdapter)
}

// IsConstraintErr returns true if err is or wraps ErrConstraint.
func IsConstraintErr(err error) bool {
	return errors.Is(err, ErrConstraint)
}

// IsMigrationLockHeldErr returns true if err is or wraps ErrMigrationLockHeld.
func IsMigrationLockHeldErr(err error) bool {
	return errors.Is(err, ErrMigrationLockHeld)
}

// IsMigrationAbortedErr returns true if err is or wraps ErrMigrationAborted.
func IsMigrationAbortedErr(err error) bool {
	return errors.Is(err, ErrMigrationAborted)
}

// IsManualRecoveryErr returns true if err is or wraps ErrManualRecovery.
func IsManualRecoveryErr(err error) bool {
	return errors.Is(err, ErrManualRecovery)
}

// IsCacheBackendErr returns true if err is or wraps ErrCacheBackend.
func IsCacheBackendErr(err error) bool {
	return errors.Is(err, ErrCacheBackend)
}

// IsWrongContextErr returns true if err is or wraps ErrWrongContext.
func IsWrongContextErr(err error) bool {
	return errors.Is(err, ErrWrongContext)
}

// IsInternalErr returns true if err is or wraps ErrInternal.
func IsInternalErr(err error) bool {
	return errors.Is(err, ErrInternal)
}
