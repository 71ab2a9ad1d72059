// Package storage builds the clients for the optional backing services:
// Redis (webhook deduplication, checkout rate limiting) and S3 (raw webhook
// payload archive). PostgreSQL lives in the postgres subpackage.
package storage
