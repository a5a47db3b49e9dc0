package bus

import "sync"

// Router fans an inbound message out to every handler whose filter matches.
// Transports use it to keep subscriptions across reconnects.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

type route struct {
	filter string
	h      Handler
}

func (r *Router) Add(filter string, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.routes = append(r.routes, route{filter: filter, h: h})
	r.mu.Unlock()
}

// Filters returns registered filters in registration order (duplicates removed).
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.routes))
	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		if _, ok := seen[rt.filter]; ok {
			continue
		}
		seen[rt.filter] = struct{}{}
		out = append(out, rt.filter)
	}
	return out
}

// Dispatch calls every matching handler and reports whether any matched.
func (r *Router) Dispatch(topic string, payload []byte) bool {
	r.mu.RLock()
	hs := make([]Handler, 0, 2)
	for _, rt := range r.routes {
		if Match(rt.filter, topic) {
			hs = append(hs, rt.h)
		}
	}
	r.mu.RUnlock()
	for _, h := range hs {
		h(topic, payload)
	}
	return len(hs) > 0
}
