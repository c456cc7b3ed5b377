package kernel

// Config is the process-wide acceleration setting.
//
// It is built once at setup and handed to NewRegistry; nothing reads it from
// ambient global state.
type Config struct {
	// Enabled turns every accelerated backend on or off.
	Enabled bool
	// Backends lists the backends allowed to serve calls. Their order does
	// not matter: Query always walks the fixed priority order.
	Backends []Backend
}

// DefaultConfig enables every known accelerated backend.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Backends: append([]Backend(nil), priority...),
	}
}

func (c Config) allows(b Backend) bool {
	if !c.Enabled {
		return false
	}
	for _, allowed := range c.Backends {
		if allowed == b {
			return true
		}
	}
	return false
}
