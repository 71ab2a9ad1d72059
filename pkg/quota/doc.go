// Package quota decides whether a chat user may ask another question and
// records the questions that were answered.
//
// Every decision is taken inside a single transaction that holds the user's
// row lock (SELECT ... FOR UPDATE), so concurrent questions from the same
// phone queue on the row and each sees the previous one's committed counter.
// The counter can never pass the tier limit. Deadlocks are retried with
// jittered backoff a bounded number of times; any other storage failure is
// returned to the caller rather than turned into an allow or deny.
package quota
