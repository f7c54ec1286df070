package session

// sent is a publish awaiting acknowledgement.
type sent struct {
	payload []byte
	kind    string
}

// outstanding tracks unacknowledged publishes by message id, keeping at
// most max entries and evicting the oldest first.
type outstanding struct {
	max     int
	entries map[uint16]sent
	order   []uint16
}

func newOutstanding(max int) *outstanding {
	return &outstanding{
		max:     max,
		entries: make(map[uint16]sent),
	}
}

// add records id. If the bound is exceeded the oldest id is evicted and
// returned.
func (o *outstanding) add(id uint16, msg sent) (uint16, bool) {
	if _, ok := o.entries[id]; !ok {
		o.order = append(o.order, id)
	}
	o.entries[id] = msg

	var evicted uint16
	var dropped bool
	for len(o.entries) > o.max && len(o.order) > 0 {
		oldest := o.order[0]
		o.order = o.order[1:]
		if _, ok := o.entries[oldest]; ok {
			delete(o.entries, oldest)
			evicted, dropped = oldest, true
		}
	}

	// Acknowledged ids stay in order until compacted.
	if len(o.order) > 2*o.max {
		o.compact()
	}
	return evicted, dropped
}

// take removes and returns the publish recorded for id.
func (o *outstanding) take(id uint16) (sent, bool) {
	msg, ok := o.entries[id]
	if ok {
		delete(o.entries, id)
	}
	return msg, ok
}

func (o *outstanding) size() int {
	return len(o.entries)
}

func (o *outstanding) clear() {
	o.entries = make(map[uint16]sent)
	o.order = nil
}

func (o *outstanding) compact() {
	live := o.order[:0]
	for _, id := range o.order {
		if _, ok := o.entries[id]; ok {
			live = append(live, id)
		}
	}
	o.order = live
}
