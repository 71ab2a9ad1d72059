// Package billing starts premium checkouts with the Asaas payment provider
// and applies the provider's webhook notifications to subscriptions and
// chat user tiers.
//
// Provider calls are never made while a database transaction is open.
// Webhook events for the same subscription are applied one at a time, under
// an in-process keyed mutex and the subscription row lock, and redelivered
// events are acknowledged without being applied twice.
package billing
