package name

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalAndEqual(t *testing.T) {
	assert.Equal(t, "example.com.", Canonical("example.com"))
	assert.Equal(t, "example.com.", Canonical("EXAMPLE.COM."))
	assert.True(t, Equal("Example.Com", "example.com."))
}

func TestIsRoot(t *testing.T) {
	assert.True(t, IsRoot("."))
	assert.True(t, IsRoot(""))
	assert.False(t, IsRoot("com."))
}

func TestParent(t *testing.T) {
	assert.Equal(t, ".", Parent("."))
	assert.Equal(t, ".", Parent("com."))
	assert.Equal(t, "com.", Parent("example.com."))
	assert.Equal(t, "example.com.", Parent("www.example.com"))
}

func TestAncestors(t *testing.T) {
	got := Ancestors("www.example.com")
	assert.Equal(t, []string{"www.example.com.", "example.com.", "com.", "."}, got)
}

func TestLabelCount(t *testing.T) {
	assert.Equal(t, 0, LabelCount("."))
	assert.Equal(t, 1, LabelCount("com."))
	assert.Equal(t, 3, LabelCount("www.example.com"))
}

func TestArpa(t *testing.T) {
	assert.Equal(t, "1.0.0.127.in-addr.arpa.", Arpa(net.ParseIP("127.0.0.1")))
	assert.Equal(t, "1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.ip6.arpa.", Arpa(net.ParseIP("::1")))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("example.com"))
	assert.True(t, Valid("."))

	label64 := ""
	for i := 0; i < 64; i++ {
		label64 += "a"
	}
	assert.False(t, Valid(label64+".com"))

	long := ""
	for i := 0; i < 50; i++ {
		long += "abcdefghij."
	}
	assert.False(t, Valid(long))
}
