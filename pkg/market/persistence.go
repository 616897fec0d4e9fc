package market

import "context"

// Persistence mirrors committed records into an external store. It is
// invoked only with records that were newly written to the canonical store.
type Persistence interface {
	RecordCandles(ctx context.Context, records []StoredRecord) error
}
