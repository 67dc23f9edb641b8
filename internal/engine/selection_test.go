package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func specs() []ServerSpec {
	return []ServerSpec{
		{Name: "a", Timeout: 500 * time.Millisecond, Priority: 1},
		{Name: "b", Timeout: 100 * time.Millisecond, Priority: 5},
		{Name: "c", Timeout: 1 * time.Second, Priority: 3},
	}
}

func names(specs []ServerSpec) []string {
	var out []string
	for _, s := range specs {
		out = append(out, s.Name)
	}
	return out
}

func TestOrderPriority(t *testing.T) {
	assert.Equal(t, []string{"b", "c", "a"}, names(Order(specs(), Priority, "")))
}

func TestOrderSpeed(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, names(Order(specs(), Speed, "")))
}

func TestOrderRoundRobinKeepsConfiguredOrder(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, names(Order(specs(), RoundRobin, "")))
}

func TestOrderNamedSelectsExactlyOne(t *testing.T) {
	assert.Equal(t, []string{"c"}, names(Order(specs(), Named, "c")))
}

func TestOrderNamedNoMatchReturnsEmpty(t *testing.T) {
	assert.Empty(t, Order(specs(), Named, "missing"))
}

func TestOrderRandomIsAPermutation(t *testing.T) {
	shuffled := Order(specs(), Random, "")
	assert.ElementsMatch(t, names(specs()), names(shuffled))
}
