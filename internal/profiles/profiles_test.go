package profiles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/scanning"
)

func testDefaults() Defaults {
	return Defaults{
		Timeout:          time.Second,
		Workers:          100,
		MaxRetries:       3,
		ServiceDetection: true,
		ExcludedPorts:    []int{9},
	}
}

func TestManager_BuiltIns(t *testing.T) {
	m := NewManager(nil, testDefaults())

	quick, err := m.Get(ProfileQuick)
	require.NoError(t, err)
	assert.Equal(t, 1, quick.StartPort)
	assert.Equal(t, 1024, quick.EndPort)
	assert.Equal(t, 500*time.Millisecond, quick.Timeout)
	assert.Equal(t, 50, quick.Workers)

	full, err := m.Get(ProfileFull)
	require.NoError(t, err)
	assert.Equal(t, 65535, full.EndPort)

	_, err = m.Get("missing")
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, ProfileFull, list[0].Name)
	assert.Equal(t, ProfileQuick, list[1].Name)
}

func TestManager_CustomProfilesOverride(t *testing.T) {
	m := NewManager(map[string]Profile{
		ProfileQuick: {Description: "tiny", Ports: "22,80"},
		"web":        {Ports: "80,443,8000-8002", Timeout: 2 * time.Second},
	}, testDefaults())

	quick, err := m.Get(ProfileQuick)
	require.NoError(t, err)
	assert.Equal(t, "tiny", quick.Description)
	assert.Equal(t, ProfileQuick, quick.Name)

	web, err := m.Get("web")
	require.NoError(t, err)
	assert.Equal(t, "web", web.Name)
	assert.Len(t, m.List(), 3)
}

func TestManager_Resolve(t *testing.T) {
	retries := 0
	detect := false
	m := NewManager(map[string]Profile{
		"web": {Ports: "80,443,8000-8002", Timeout: 2 * time.Second, Host: "intranet", ExcludedPorts: []int{443}},
	}, testDefaults())

	tests := []struct {
		name    string
		opts    Options
		check   func(t *testing.T, req scanning.Request)
		wantErr bool
	}{
		{
			name: "default profile when nothing given",
			opts: Options{Host: "127.0.0.1"},
			check: func(t *testing.T, req scanning.Request) {
				assert.Equal(t, ProfileQuick, req.Profile)
				assert.Equal(t, 1, req.StartPort)
				assert.Equal(t, 1024, req.EndPort)
				assert.Equal(t, 500*time.Millisecond, req.Timeout)
				assert.Equal(t, 50, req.Workers)
				assert.Equal(t, 3, req.MaxRetries)
				assert.True(t, req.ServiceDetection)
				assert.Equal(t, []int{9}, req.ExcludedPorts)
				assert.Equal(t, scanning.ProtocolTCP, req.Protocol)
			},
		},
		{
			name: "explicit range without profile uses defaults",
			opts: Options{Host: "127.0.0.1", StartPort: 20, EndPort: 25},
			check: func(t *testing.T, req scanning.Request) {
				assert.Empty(t, req.Profile)
				assert.Equal(t, 20, req.StartPort)
				assert.Equal(t, 25, req.EndPort)
				assert.Equal(t, time.Second, req.Timeout)
				assert.Equal(t, 100, req.Workers)
			},
		},
		{
			name: "profile ports host and exclusions",
			opts: Options{Profile: "web"},
			check: func(t *testing.T, req scanning.Request) {
				assert.Equal(t, "intranet", req.Host)
				assert.Equal(t, []int{80, 443, 8000, 8001, 8002}, req.Ports)
				assert.Equal(t, []int{9, 443}, req.ExcludedPorts)
				assert.Equal(t, []int{80, 8000, 8001, 8002}, req.TargetPorts())
				assert.Equal(t, 2*time.Second, req.Timeout)
			},
		},
		{
			name: "options override profile",
			opts: Options{
				Profile: "web", Host: "10.0.0.5", Ports: "22", Protocol: "udp",
				Timeout: 100 * time.Millisecond, Workers: 4, MaxRetries: &retries, ServiceDetection: &detect,
			},
			check: func(t *testing.T, req scanning.Request) {
				assert.Equal(t, "10.0.0.5", req.Host)
				assert.Equal(t, []int{22}, req.Ports)
				assert.Equal(t, scanning.ProtocolUDP, req.Protocol)
				assert.Equal(t, 100*time.Millisecond, req.Timeout)
				assert.Equal(t, 4, req.Workers)
				assert.Equal(t, 0, req.MaxRetries)
				assert.False(t, req.ServiceDetection)
			},
		},
		{
			name: "single start port",
			opts: Options{Host: "h", StartPort: 22},
			check: func(t *testing.T, req scanning.Request) {
				assert.Equal(t, []int{22}, req.TargetPorts())
			},
		},
		{name: "missing host", opts: Options{}, wantErr: true},
		{name: "unknown profile", opts: Options{Host: "h", Profile: "nope"}, wantErr: true},
		{name: "bad protocol", opts: Options{Host: "h", Protocol: "sctp"}, wantErr: true},
		{name: "bad port range", opts: Options{Host: "h", Ports: "80-20"}, wantErr: true},
		{name: "inverted range", opts: Options{Host: "h", StartPort: 100, EndPort: 10}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := m.Resolve(tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsKind(err, errors.KindValidation))
				return
			}
			require.NoError(t, err)
			tt.check(t, req)
		})
	}
}

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{name: "empty profile", profile: Profile{}},
		{name: "port list", profile: Profile{Ports: "22,80"}},
		{name: "range", profile: Profile{StartPort: 1, EndPort: 100}},
		{name: "bad list", profile: Profile{Ports: "abc"}, wantErr: true},
		{name: "bad range", profile: Profile{StartPort: 10, EndPort: 5}, wantErr: true},
		{name: "bad protocol", profile: Profile{Protocol: "icmp"}, wantErr: true},
		{name: "negative timeout", profile: Profile{Timeout: -time.Second}, wantErr: true},
		{name: "negative workers", profile: Profile{Workers: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
