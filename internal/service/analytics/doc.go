// Package analytics derives per-campaign engagement counters from the event
// ledger.
//
// A refresh never increments counters in place. It recomputes the whole row
// from the campaign's full event set under a per-campaign single-writer lock
// held by the repository, so concurrent or repeated refreshes converge on the
// same result and a missed refresh heals on the next one.
package analytics
