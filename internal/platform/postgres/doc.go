// Package postgres implements the store interfaces on PostgreSQL.
//
// The resource store leans on conditional UPDATEs for every status change,
// which is what makes worker claims atomic without advisory locks. The task
// queue is a plain table drained with FOR UPDATE SKIP LOCKED so multiple
// workers can poll concurrently without double delivery.
package postgres
