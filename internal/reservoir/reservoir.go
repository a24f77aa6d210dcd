// Package reservoir implements the low-memory reservoir: a reserved slab
// of committed-but-unused arena capacity that emergency allocations may
// draw on, gated by an explicit permit, per spec.md §4.J.
//
// The gating shape is grounded on the teacher's disk-space write gate: a
// background watcher (diskWatcherState, launched by diskWatcherLaunch)
// that flips DisableWrites/EnableWrites as free disk space crosses a
// threshold, guarded by disableEnableWritesLock. Reservoir generalizes
// "disk bytes free" to "arena bytes reserved but uncommitted" and
// "disable/enable writes" to "deny/grant an allocation permit".
package reservoir

import "sync"

// Config resolves the reservoir's size and low-water behavior from
// defaults plus Opt funcs; unlike arena.Config it reads no environment
// variables.
type Config struct {
	Limit     uintptr // reservoir_limit_set: total reserved bytes
	LowWater  uintptr // below this many free reserved bytes, permits stop
}

type Opt func(*Config)

func OptLimit(n uintptr) Opt    { return func(c *Config) { c.Limit = n } }
func OptLowWater(n uintptr) Opt { return func(c *Config) { c.LowWater = n } }

func NewConfig(opts ...Opt) *Config {
	cfg := &Config{Limit: 8 * 1024 * 1024, LowWater: 1024 * 1024}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.LowWater > cfg.Limit {
		cfg.LowWater = cfg.Limit
	}
	return cfg
}

// Reservoir tracks how much of its reserved slab is currently granted out
// via permits, and whether new permits are being handed out at all —
// exactly the disableEnableWritesLock-guarded boolean the teacher flips
// in response to disk pressure, here flipped in response to reserved-slab
// pressure.
type Reservoir struct {
	mu       sync.Mutex
	cfg      *Config
	granted  uintptr
	disabled bool
}

func New(cfg *Config) *Reservoir {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Reservoir{cfg: cfg}
}

// SetLimit implements reservoir_limit_set.
func (r *Reservoir) SetLimit(n uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Limit = n
}

// ReserveWithPermit implements reserve_with_permit: grants n bytes from
// the reservoir if doing so would not push the remaining slab below the
// low-water mark, the same headroom check the teacher's diskWatcher
// performs before admitting another write.
func (r *Reservoir) ReserveWithPermit(n uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled {
		return false
	}
	if r.granted+n > r.cfg.Limit || r.cfg.Limit-r.granted-n < r.cfg.LowWater {
		return false
	}
	r.granted += n
	return true
}

// Release returns previously permitted bytes to the reservoir, the
// counterpart to ReserveWithPermit called once an emergency allocation's
// owner is done with it (e.g. after a collection reclaims the space by
// other means).
func (r *Reservoir) Release(n uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.granted {
		n = r.granted
	}
	r.granted -= n
}

// Disable stops granting new permits entirely, regardless of headroom —
// used when a restore or collection is already in flight and emergency
// growth would race with it. Enable resumes normal ReserveWithPermit
// checks. This pair mirrors DisableWrites/EnableWrites verbatim.
func (r *Reservoir) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = true
}

func (r *Reservoir) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = false
}

// Remaining reports how many bytes of the reservoir are neither granted
// nor required by the low-water floor.
func (r *Reservoir) Remaining() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.granted >= r.cfg.Limit {
		return 0
	}
	free := r.cfg.Limit - r.granted
	if free < r.cfg.LowWater {
		return 0
	}
	return free - r.cfg.LowWater
}
