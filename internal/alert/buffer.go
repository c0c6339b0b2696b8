package alert

// AddResult is the outcome of Buffer.Add.
type AddResult int

const (
	Accepted AddResult = iota
	Rejected
)

func (r AddResult) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Buffer collects the alerts of one run up to a ceiling. It is owned by a
// single run and is not safe for concurrent use.
type Buffer struct {
	ceiling int
	alerts  []*Alert
	index   map[string]int // fingerprint -> position
}

// NewBuffer returns an empty buffer. A ceiling <= 0 uses DefaultMaxAlerts.
func NewBuffer(ceiling int) *Buffer {
	if ceiling <= 0 {
		ceiling = DefaultMaxAlerts
	}
	return &Buffer{
		ceiling: ceiling,
		index:   make(map[string]int),
	}
}

// Add stores a. An alert whose fingerprint is already buffered replaces the
// mutable fields of the earlier one in place and is accepted even when the
// buffer is full. A new fingerprint is rejected once the ceiling is reached
// and the buffer is left unchanged.
func (b *Buffer) Add(a *Alert) AddResult {
	if pos, ok := b.index[a.Fingerprint]; ok {
		prev := b.alerts[pos]
		prev.Timestamp = a.Timestamp
		prev.Severity = a.Severity
		prev.RiskScore = a.RiskScore
		prev.Title = a.Title
		prev.Description = a.Description
		prev.Sources = a.Sources
		prev.Fields = a.Fields
		return Accepted
	}
	if len(b.alerts) >= b.ceiling {
		return Rejected
	}
	b.index[a.Fingerprint] = len(b.alerts)
	b.alerts = append(b.alerts, a)
	return Accepted
}

// Drain returns the buffered alerts in insertion order and empties the buffer.
func (b *Buffer) Drain() []*Alert {
	out := b.alerts
	b.alerts = nil
	b.index = make(map[string]int)
	return out
}

// Len returns the number of buffered alerts.
func (b *Buffer) Len() int {
	return len(b.alerts)
}

// Cap returns the ceiling.
func (b *Buffer) Cap() int {
	return b.ceiling
}

// Full reports whether a new fingerprint would be rejected.
func (b *Buffer) Full() bool {
	return len(b.alerts) >= b.ceiling
}
