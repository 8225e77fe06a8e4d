// Package domain defines the core types and repository interfaces for the
// session and connection lifecycle. Implementations live in internal/redis
// and internal/database; the application service in internal/app depends
// only on the interfaces defined here.
package domain
