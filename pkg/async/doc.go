// Package async provides safe concurrent execution primitives.
//
// SafeGo runs a detached background task with panic recovery, a timeout and
// error logging. It is used for work that must not block a request, such as
// sending verification emails or archiving webhook payloads.
//
// KeyedMutex serializes work per key (for example per billing subscription)
// while unrelated keys run concurrently.
package async
