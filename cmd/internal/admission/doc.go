// Package admission decides whether a login may create a new device session.
//
// The Controller enforces the per-user device limit, evicts sessions on
// request, and answers validation queries. Every decision that changes a
// user's active set runs inside session.Store.WithUser, so concurrent logins
// for the same user never exceed the limit. Store failures and deadlines are
// reported as ErrStoreUnavailable; a full set is a normal result
// (StatusLimitReached), not an error.
package admission
