// Package chatusers owns the ChatUser record: phone-identified chat users,
// their entitlement tier and question counters, and the closed set of
// profile actions (accept terms, set name, verify email, upgrade plan)
// invoked by the account layer.
//
// Tier changes go through Store.SetTier or Store.PromoteToVerified inside a
// caller-owned transaction holding the row lock, so quota, verification and
// billing updates to the same user never interleave.
package chatusers
