package kv

// The schema defines the bolt bucket layout. Block items are keyed
// {height}{blockHash}{itemKey} so that height-range deletes are a single
// cursor walk; appointments are keyed by (customer, id) with a secondary
// index from the bare id.
var (
	blockItemBucket      = []byte("block-item-store")
	actionBucket         = []byte("action-store")
	appointmentBucket    = []byte("appointment-store")
	appointmentIdxBucket = []byte("appointment-id-index")
	processorBucket      = []byte("block-processor")

	// Processor keys.
	headInfoKey = []byte("head")
)
