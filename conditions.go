package tscript

import (
	"runtime"
	"strings"

	"github.com/tmc/tscript/internal/pathcache"
)

// HostFacts describes the host the conditions in spec.md §4.2 are
// evaluated against. It is a thin seam so tests can fake GOOS/GOARCH
// without actually cross-compiling.
type HostFacts struct {
	GOOS   string
	GOARCH string

	// lookPath is used for "exec:<program>" and defaults to a
	// singleflight-deduplicated os/exec.LookPath, grounded in the
	// teacher's internal/testenv helpers (HasGoBuild et al.), which this
	// generalizes from "is the go tool on PATH" to "is any named
	// executable on PATH".
	lookPath *pathcache.Cache
}

// NewHostFacts returns the HostFacts for the running process.
func NewHostFacts() HostFacts {
	return HostFacts{
		GOOS:     runtime.GOOS,
		GOARCH:   runtime.GOARCH,
		lookPath: pathcache.New(),
	}
}

func (h HostFacts) cache() *pathcache.Cache {
	if h.lookPath == nil {
		return pathcache.New()
	}
	return h.lookPath
}

// EvaluateCondition implements spec.md §4.2: evaluate(name, suffix,
// host) -> bool. Unknown condition names evaluate to false (the line
// is silently skipped, not an error); this matches spec.md's explicit
// resolution ("Unknown names → condition is false").
func EvaluateCondition(name, suffix string, host HostFacts) bool {
	switch name {
	case "unix":
		return host.GOOS != "windows" && host.GOOS != "plan9"
	case "windows":
		return host.GOOS == "windows"
	case "darwin", "linux":
		return host.GOOS == name
	case "amd64", "arm64":
		return host.GOARCH == name
	case "exec":
		if suffix == "" {
			return false
		}
		return host.cache().Lookup(suffix)
	default:
		return false
	}
}

// evaluateConditions reports whether every condition in conds is
// satisfied (AND-ed together), per spec.md §4.2.
func evaluateConditions(conds []Condition, host HostFacts) bool {
	for _, c := range conds {
		name := c.Name
		suffix := c.Suffix
		if c.HasSfx {
			// "exec:<program>" is represented with Name=="exec",
			// Suffix=="<program>"; all other conditions ignore suffixes.
		} else if strings.Contains(name, ":") {
			// Defensive: shouldn't happen given the parser, but keep the
			// split logic in one place.
			parts := strings.SplitN(name, ":", 2)
			name, suffix = parts[0], parts[1]
		}
		got := EvaluateCondition(name, suffix, host)
		if got != !c.Negated {
			return false
		}
	}
	return true
}
