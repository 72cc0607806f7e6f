package tree

// Subscriber receives every published snapshot, in publication order.
type Subscriber func(Snapshot)

type subscriber struct {
	id int
	fn Subscriber
}

// Subscribe registers fn and returns a function that unregisters it.
// Snapshots published during a rebuild (Loading set) are delivered too.
func (m *Manager) Subscribe(fn Subscriber) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) notify(snap Snapshot) {
	m.subMu.Lock()
	subs := append([]subscriber(nil), m.subs...)
	m.subMu.Unlock()
	for _, s := range subs {
		s.fn(snap)
	}
}
