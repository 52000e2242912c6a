package state

// SeedLocal is a test helper that installs an account partition directly
// when using the in-memory store, bypassing opt-in.
func SeedLocal(s Store, appID uint64, addr string, p Partition) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		accounts, ok := mem.locals[appID]
		if !ok {
			accounts = make(map[string]Partition)
			mem.locals[appID] = accounts
		}
		accounts[addr] = p.Clone()
	}
}
