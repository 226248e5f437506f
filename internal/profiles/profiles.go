// Package profiles resolves named scan profiles into scan requests. The
// built-in profiles can be overridden or extended from configuration; this
// package never reads files itself.
package profiles

import (
	"sort"
	"strings"
	"time"

	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/scanning"
)

// Built-in profile names.
const (
	ProfileQuick = "quick"
	ProfileFull  = "full"
)

// Profile is a reusable set of scan parameters. Zero fields inherit the
// manager defaults.
type Profile struct {
	Name          string        `yaml:"-" json:"name"`
	Description   string        `yaml:"description" json:"description"`
	Host          string        `yaml:"host,omitempty" json:"host,omitempty"`
	Ports         string        `yaml:"ports,omitempty" json:"ports,omitempty"`
	StartPort     int           `yaml:"start_port,omitempty" json:"start_port,omitempty"`
	EndPort       int           `yaml:"end_port,omitempty" json:"end_port,omitempty"`
	Protocol      string        `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Workers       int           `yaml:"workers,omitempty" json:"workers,omitempty"`
	ExcludedPorts []int         `yaml:"excluded_ports,omitempty" json:"excluded_ports,omitempty"`
}

// Validate checks the profile's own fields.
func (p Profile) Validate() error {
	if p.Ports != "" {
		if _, err := scanning.ParsePorts(p.Ports); err != nil {
			return err
		}
	} else if p.StartPort != 0 || p.EndPort != 0 {
		if p.StartPort < scanning.MinPort || p.EndPort > scanning.MaxPort || p.StartPort > p.EndPort {
			return errors.Validation("invalid port range %d-%d", p.StartPort, p.EndPort)
		}
	}
	if _, err := scanning.ParseProtocol(p.Protocol); err != nil {
		return err
	}
	if p.Timeout < 0 {
		return errors.Validation("timeout must not be negative")
	}
	if p.Workers < 0 {
		return errors.Validation("workers must not be negative")
	}
	return nil
}

// BuiltIn returns the profiles available without configuration.
func BuiltIn() map[string]Profile {
	return map[string]Profile{
		ProfileQuick: {
			Name:        ProfileQuick,
			Description: "Well-known ports 1-1024 with a short timeout",
			StartPort:   1,
			EndPort:     1024,
			Timeout:     500 * time.Millisecond,
			Workers:     50,
		},
		ProfileFull: {
			Name:        ProfileFull,
			Description: "Every port 1-65535",
			StartPort:   1,
			EndPort:     65535,
			Timeout:     time.Second,
			Workers:     100,
		},
	}
}

// Defaults fill request fields that neither the options nor the profile
// set. ExcludedPorts are merged into every resolved request.
type Defaults struct {
	Timeout          time.Duration
	Workers          int
	MaxRetries       int
	ServiceDetection bool
	ExcludedPorts    []int
	DefaultProfile   string
}

// Options are the caller-supplied parts of a request. Set fields win over
// the profile.
type Options struct {
	Profile          string
	Host             string
	Ports            string
	StartPort        int
	EndPort          int
	Protocol         string
	Timeout          time.Duration
	Workers          int
	MaxRetries       *int
	ServiceDetection *bool
	ExcludedPorts    []int
}

// Manager holds the built-in and configured profiles.
type Manager struct {
	profiles map[string]Profile
	defaults Defaults
}

// NewManager creates a manager. Profiles in custom replace built-ins of the
// same name.
func NewManager(custom map[string]Profile, defaults Defaults) *Manager {
	all := BuiltIn()
	for name, p := range custom {
		p.Name = name
		all[name] = p
	}
	if defaults.DefaultProfile == "" {
		defaults.DefaultProfile = ProfileQuick
	}
	return &Manager{profiles: all, defaults: defaults}
}

// Get returns the named profile.
func (m *Manager) Get(name string) (Profile, error) {
	p, ok := m.profiles[name]
	if !ok {
		return Profile{}, errors.Validation("unknown profile %q", name)
	}
	return p, nil
}

// List returns every profile sorted by name.
func (m *Manager) List() []Profile {
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve builds a validated request from opts. When opts names no profile
// and gives no ports, the default profile supplies them.
func (m *Manager) Resolve(opts Options) (scanning.Request, error) {
	name := opts.Profile
	explicitPorts := opts.Ports != "" || opts.StartPort != 0 || opts.EndPort != 0
	if name == "" && !explicitPorts {
		name = m.defaults.DefaultProfile
	}

	var profile Profile
	if name != "" {
		p, err := m.Get(name)
		if err != nil {
			return scanning.Request{}, err
		}
		profile = p
	}

	req := scanning.Request{
		Host:             firstString(strings.TrimSpace(opts.Host), profile.Host),
		Timeout:          firstDuration(opts.Timeout, profile.Timeout, m.defaults.Timeout),
		Workers:          firstInt(opts.Workers, profile.Workers, m.defaults.Workers),
		MaxRetries:       m.defaults.MaxRetries,
		ServiceDetection: m.defaults.ServiceDetection,
		Profile:          name,
	}
	if opts.MaxRetries != nil {
		req.MaxRetries = *opts.MaxRetries
	}
	if opts.ServiceDetection != nil {
		req.ServiceDetection = *opts.ServiceDetection
	}

	protocol, err := scanning.ParseProtocol(firstString(opts.Protocol, profile.Protocol))
	if err != nil {
		return scanning.Request{}, err
	}
	req.Protocol = protocol

	if err := applyPorts(&req, opts, profile); err != nil {
		return scanning.Request{}, err
	}

	req.ExcludedPorts = mergePorts(m.defaults.ExcludedPorts, profile.ExcludedPorts, opts.ExcludedPorts)

	if err := req.Validate(); err != nil {
		return scanning.Request{}, err
	}
	return req, nil
}

func applyPorts(req *scanning.Request, opts Options, profile Profile) error {
	switch {
	case opts.Ports != "":
		return setPortList(req, opts.Ports)
	case opts.StartPort != 0 || opts.EndPort != 0:
		req.StartPort, req.EndPort = opts.StartPort, opts.EndPort
		if req.EndPort == 0 {
			req.EndPort = req.StartPort
		}
	case profile.Ports != "":
		return setPortList(req, profile.Ports)
	default:
		req.StartPort, req.EndPort = profile.StartPort, profile.EndPort
	}
	return nil
}

func setPortList(req *scanning.Request, list string) error {
	ports, err := scanning.ParsePorts(list)
	if err != nil {
		return err
	}
	req.Ports = ports
	return nil
}

func mergePorts(lists ...[]int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, list := range lists {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Ints(out)
	return out
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
