package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultStepTimeoutPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr string
		want time.Duration
	}{
		{"127.0.0.1:53", 100 * time.Millisecond},
		{"10.11.12.13:53", 100 * time.Millisecond},
		{"192.168.0.1", 100 * time.Millisecond},
		{"[fd00::1]:53", 100 * time.Millisecond},
		{"198.41.0.4:53", 5 * time.Second},
		{"[2001:503:ba3e::2:30]:53", 5 * time.Second},
	}

	policy := DefaultStepTimeoutPolicy()
	for _, tc := range cases {
		t.Run(tc.addr, func(t *testing.T) {
			assert.Equal(t, tc.want, policy(tc.addr))
		})
	}
}
