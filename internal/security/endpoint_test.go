package security

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, s := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(s)})
	}
	return out, nil
}

func TestValidateUpstream(t *testing.T) {
	res := fakeResolver{
		"api.example.com":  {"93.184.216.34"},
		"internal.example": {"93.184.216.34", "10.0.0.7"},
	}
	ctx := context.Background()

	tests := []struct {
		url  string
		want error
	}{
		{"https://api.example.com/v1", nil},
		{"http://93.184.216.34", nil},
		{"ftp://api.example.com", ErrBadUpstreamURL},
		{"https://", ErrBadUpstreamURL},
		{"http://localhost:8080", ErrBlockedUpstream},
		{"http://127.0.0.1", ErrBlockedUpstream},
		{"http://192.168.1.10", ErrBlockedUpstream},
		{"http://169.254.169.254/latest", ErrBlockedUpstream},
		{"http://[::1]:9000", ErrBlockedUpstream},
		{"https://internal.example", ErrBlockedUpstream},
		{"https://missing.example", ErrUnresolvedUpstream},
	}
	for _, tc := range tests {
		err := ValidateUpstream(ctx, res, tc.url)
		if tc.want == nil {
			assert.NoError(t, err, tc.url)
			continue
		}
		assert.ErrorIs(t, err, tc.want, tc.url)
	}
}
