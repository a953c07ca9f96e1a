// Package events implements the append-only engagement event ledger.
//
// Every tracking request resolves its tracking id to the originating "sent"
// event and appends one follow-up event copying that send's campaign and
// recipient. Events are never updated or deleted; duplicate deliveries of the
// same interaction are stored as-is and collapsed by the analytics
// aggregator when it counts uniques.
//
// The service layer depends only on the Repository interface in
// repository.go. Postgres, in-memory and Redis-cached implementations live
// under internal/repository.
package events
