// Package errors provides structured error types shared by the edgekit
// helper packages. Every error carries a stable machine-readable code,
// a human-readable message, and an optional cause, so that callers can
// branch on failure category without string matching and HTTP surfaces
// can map failures to status codes uniformly.
//
// # Categories
//
//   - Validation (VAL_xxx): malformed input, schema violations
//   - Authentication (AUTH_xxx): missing, malformed, or unverifiable credentials
//   - Authorization (AUTHZ_xxx): authenticated but not permitted
//   - NotFound (NF_xxx): the referenced resource does not exist
//   - Conflict (CONF_xxx): the operation conflicts with current state
//   - Internal (INT_xxx): unexpected failures, configuration problems
//   - Unavailable (UNAVAIL_xxx): a dependency cannot be reached
//   - Timeout (TIMEOUT_xxx): an operation exceeded its deadline
//
// # Usage
//
// Construct and wrap:
//
//	err := errors.New(errors.CodeValidation, "team name is invalid")
//	err = errors.Wrap(cause, errors.CodeUnavailableDependency, "certs fetch failed")
//
// Inspect:
//
//	if errors.IsAuthentication(err) {
//	    // respond 401, log the internal reason only
//	}
package errors
