package bridge

import "sync"

// ProviderInfo is the EIP-6963 provider description.
type ProviderInfo struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Icon string `json:"icon"`
	RDNS string `json:"rdns"`
}

type Announcement struct {
	Info         ProviderInfo `json:"info"`
	Capabilities Capabilities `json:"capabilities"`
}

var DefaultProviderInfo = ProviderInfo{
	UUID: "f3c205d4-5785-4f34-b019-2472b4e03a7a",
	Name: "Brahma Connect",
	Icon: "data:image/svg+xml;base64,PHN2ZyB4bWxucz0iaHR0cDovL3d3dy53My5vcmcvMjAwMC9zdmciIHZpZXdCb3g9IjAgMCAzMiAzMiI+PGNpcmNsZSBjeD0iMTYiIGN5PSIxNiIgcj0iMTYiIGZpbGw9IiMwRDBEMEQiLz48L3N2Zz4=",
	RDNS: "fi.brahma.console",
}

// Announcer re-emits the provider announcement every time a dapp asks for providers.
type Announcer struct {
	announcement Announcement

	mu        sync.Mutex
	listeners map[uint64]func(Announcement)
	nextID    uint64
}

func NewAnnouncer(info ProviderInfo, caps Capabilities) *Announcer {
	return &Announcer{
		announcement: Announcement{Info: info, Capabilities: caps},
		listeners:    make(map[uint64]func(Announcement)),
	}
}

func (a *Announcer) Announcement() Announcement {
	return a.announcement
}

func (a *Announcer) Subscribe(fn func(Announcement)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Announce emits the announcement to every subscriber.
func (a *Announcer) Announce() {
	a.mu.Lock()
	listeners := make([]func(Announcement), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(a.announcement)
	}
}

// RequestProvider handles a dapp's request for providers.
func (a *Announcer) RequestProvider() {
	a.Announce()
}
