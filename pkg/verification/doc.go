// Package verification issues and redeems single-use email verification
// tokens. Redeeming a token activates the linked account and raises the
// matching chat user from trial to verified.
package verification
