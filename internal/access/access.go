package access

import (
	"fmt"
	"net/http"
	"strings"

	"t3shield/internal/config"
)

type Capability string

const (
	CapView    Capability = "view"
	CapFilter  Capability = "filter"
	CapRefresh Capability = "refresh"
	CapVerify  Capability = "verify"
)

var AllCapabilities = []Capability{CapView, CapFilter, CapRefresh, CapVerify}

// Policy decides whether the caller of r may use a capability. It is the
// hook where role-based restriction plugs in; authentication itself lives
// outside this service.
type Policy interface {
	Allow(r *http.Request, c Capability) bool
}

// SuperAdmin allows everything.
type SuperAdmin struct{}

func (SuperAdmin) Allow(*http.Request, Capability) bool { return true }

// DenySet withholds a fixed set of capabilities from every caller.
type DenySet struct {
	denied map[Capability]struct{}
}

func (d *DenySet) Allow(_ *http.Request, c Capability) bool {
	if d == nil {
		return true
	}
	_, denied := d.denied[c]
	return !denied
}

// FromConfig returns SuperAdmin when nothing is denied.
func FromConfig(cfg config.AccessConfig) (Policy, error) {
	set, err := buildSet(cfg.Deny)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return SuperAdmin{}, nil
	}
	return &DenySet{denied: set}, nil
}

func buildSet(values []string) (map[Capability]struct{}, error) {
	if len(values) == 0 {
		return nil, nil
	}
	set := make(map[Capability]struct{}, len(values))
	for _, v := range values {
		c, ok := ParseCapability(v)
		if !ok {
			if strings.TrimSpace(v) == "" {
				continue
			}
			return nil, fmt.Errorf("access.deny: unknown capability %q", v)
		}
		set[c] = struct{}{}
	}
	return set, nil
}

func ParseCapability(value string) (Capability, bool) {
	v := Capability(strings.ToLower(strings.TrimSpace(value)))
	for _, c := range AllCapabilities {
		if c == v {
			return c, true
		}
	}
	return "", false
}

// Require is chi-compatible middleware answering 403 when p denies c.
func Require(p Policy, c Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p != nil && !p.Allow(r, c) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = fmt.Fprintf(w, "{\"error\":\"capability %s not granted\"}\n", c)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
