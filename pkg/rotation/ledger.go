package rotation

// DefaultLedgerCapacity caps the per-tenant ping ledger. Events recur
// indefinitely, so without a cap the ledger would grow without bound; the
// alert window is short enough that 100 recent occurrences covers it many
// times over.
const DefaultLedgerCapacity = 100

// PingRecord is the authoritative ping state for one occurrence: whether a
// channel ping was sent (presence of the record) and, while the ping message
// still stands, which message carries it.
type PingRecord struct {
	Key       string `json:"key"`
	MessageID string `json:"message_id,omitempty"`
	StartTime int64  `json:"start_time"`
}

// Ledger is a bounded, insertion-ordered set of ping records. It is the
// single source of truth for both "already pinged" dedup checks and the list
// of outstanding ping messages; the two views are derived, never maintained
// separately.
type Ledger struct {
	Records  []PingRecord `json:"records,omitempty"`
	Capacity int          `json:"capacity,omitempty"`
}

func (l *Ledger) capacity() int {
	if l.Capacity > 0 {
		return l.Capacity
	}
	return DefaultLedgerCapacity
}

// Has reports whether the occurrence key has already been pinged.
func (l *Ledger) Has(key string) bool {
	for i := range l.Records {
		if l.Records[i].Key == key {
			return true
		}
	}
	return false
}

// Record appends a ping record, evicting the oldest entries beyond capacity.
// Recording an existing key replaces the old record in place.
func (l *Ledger) Record(r PingRecord) {
	for i := range l.Records {
		if l.Records[i].Key == r.Key {
			l.Records[i] = r
			return
		}
	}
	l.Records = append(l.Records, r)
	if over := len(l.Records) - l.capacity(); over > 0 {
		l.Records = append([]PingRecord(nil), l.Records[over:]...)
	}
}

// Remove drops the record entirely, allowing the occurrence to be announced
// again. Used on forced purges.
func (l *Ledger) Remove(key string) {
	for i := range l.Records {
		if l.Records[i].Key == key {
			l.Records = append(l.Records[:i], l.Records[i+1:]...)
			return
		}
	}
}

// ClearMessage forgets the message id but keeps the dedup record, so an
// expired ping message is not re-sent for the same occurrence.
func (l *Ledger) ClearMessage(key string) {
	for i := range l.Records {
		if l.Records[i].Key == key {
			l.Records[i].MessageID = ""
			return
		}
	}
}

// Outstanding returns a copy of the records whose ping message has not been
// deleted yet.
func (l *Ledger) Outstanding() []PingRecord {
	var out []PingRecord
	for _, r := range l.Records {
		if r.MessageID != "" {
			out = append(out, r)
		}
	}
	return out
}
