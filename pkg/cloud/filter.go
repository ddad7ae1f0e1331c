package cloud

import (
	"golang.org/x/time/rate"

	"cloudmesh/pkg/types"
)

// QueryFilter is a policy hook consulted before every mutating or reading
// request. Returning false aborts the operation silently. Filters must not
// mutate server state.
type QueryFilter interface {
	OnPost(client types.Guid, addr types.Address, key types.CloudKey, payload []byte) bool
	OnRelease(client types.Guid, addr types.Address, keys []types.CloudKey) bool
	OnGet(client types.Guid, addr types.Address, query types.CloudQuery, specificSystems []types.Guid) bool
	OnUnsubscribe(client types.Guid, addr types.Address, keys []types.CloudKey, specificSystems []types.Guid) bool
}

// AddQueryFilter appends a filter to the chain. Adding the same filter twice
// is a no-op.
func (s *Server) AddQueryFilter(f QueryFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.filters {
		if existing == f {
			return
		}
	}
	s.filters = append(s.filters, f)
}

// RemoveQueryFilter removes a filter by identity.
func (s *Server) RemoveQueryFilter(f QueryFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.filters {
		if existing == f {
			s.filters = append(s.filters[:i], s.filters[i+1:]...)
			return
		}
	}
}

// RemoveAllQueryFilters clears the chain.
func (s *Server) RemoveAllQueryFilters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = nil
}

func (s *Server) filterPost(client types.Guid, addr types.Address, key types.CloudKey, payload []byte) bool {
	for _, f := range s.filters {
		if !f.OnPost(client, addr, key, payload) {
			s.metrics.FilterRejections.Inc()
			return false
		}
	}
	return true
}

func (s *Server) filterRelease(client types.Guid, addr types.Address, keys []types.CloudKey) bool {
	for _, f := range s.filters {
		if !f.OnRelease(client, addr, keys) {
			s.metrics.FilterRejections.Inc()
			return false
		}
	}
	return true
}

func (s *Server) filterGet(client types.Guid, addr types.Address, query types.CloudQuery, systems []types.Guid) bool {
	for _, f := range s.filters {
		if !f.OnGet(client, addr, query, systems) {
			s.metrics.FilterRejections.Inc()
			return false
		}
	}
	return true
}

func (s *Server) filterUnsubscribe(client types.Guid, addr types.Address, keys []types.CloudKey, systems []types.Guid) bool {
	for _, f := range s.filters {
		if !f.OnUnsubscribe(client, addr, keys, systems) {
			s.metrics.FilterRejections.Inc()
			return false
		}
	}
	return true
}

// RateLimitFilter bounds the request rate per client across posts and gets.
// Releases and unsubscribes pass through so a throttled client can still
// clean up after itself.
type RateLimitFilter struct {
	limit    rate.Limit
	burst    int
	limiters map[types.Guid]*rate.Limiter
}

func NewRateLimitFilter(perSecond float64, burst int) *RateLimitFilter {
	return &RateLimitFilter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[types.Guid]*rate.Limiter),
	}
}

func (f *RateLimitFilter) allow(client types.Guid) bool {
	l, ok := f.limiters[client]
	if !ok {
		l = rate.NewLimiter(f.limit, f.burst)
		f.limiters[client] = l
	}
	return l.Allow()
}

func (f *RateLimitFilter) OnPost(client types.Guid, _ types.Address, _ types.CloudKey, _ []byte) bool {
	return f.allow(client)
}

func (f *RateLimitFilter) OnGet(client types.Guid, _ types.Address, _ types.CloudQuery, _ []types.Guid) bool {
	return f.allow(client)
}

func (f *RateLimitFilter) OnRelease(types.Guid, types.Address, []types.CloudKey) bool {
	return true
}

func (f *RateLimitFilter) OnUnsubscribe(types.Guid, types.Address, []types.CloudKey, []types.Guid) bool {
	return true
}
