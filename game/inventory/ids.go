package inventory

import "fmt"

// IDPolicy selects how the authority allocates item instance ids.
type IDPolicy string

const (
	// PolicyMonotonic never hands out the same id twice in a process.
	PolicyMonotonic IDPolicy = "monotonic"
	// PolicyRecycle returns the lowest free id starting at 1.
	PolicyRecycle IDPolicy = "recycle"
)

// ParseIDPolicy maps a config string to an IDPolicy. Empty means monotonic.
func ParseIDPolicy(s string) (IDPolicy, error) {
	switch IDPolicy(s) {
	case "", PolicyMonotonic:
		return PolicyMonotonic, nil
	case PolicyRecycle:
		return PolicyRecycle, nil
	}
	return "", fmt.Errorf("inventory: unknown id policy %q", s)
}

type idAllocator struct {
	policy IDPolicy
	last   int64 // highest id ever handed out or observed
}

// allocate returns an id for which inUse is false. The id is not reserved;
// the caller must insert it before releasing the registry lock.
func (a *idAllocator) allocate(inUse func(int64) bool) int64 {
	if a.policy == PolicyRecycle {
		id := int64(1)
		for inUse(id) {
			id++
		}
		a.observe(id)
		return id
	}
	id := a.last + 1
	for inUse(id) {
		id++
	}
	a.last = id
	return id
}

// observe records an id that entered the index from elsewhere (a snapshot
// or a replicated command) so the monotonic counter never goes back over it.
func (a *idAllocator) observe(id int64) {
	if id > a.last {
		a.last = id
	}
}
