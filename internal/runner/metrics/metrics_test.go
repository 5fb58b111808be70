package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeHub struct{ count int }

func (h fakeHub) Count() int { return h.count }

func TestSampleSetsGauges(t *testing.T) {
	sample(func() int { return 3 }, func() int { return 1 }, fakeHub{count: 5})

	assert.Equal(t, float64(3), testutil.ToFloat64(TrackedContainers))
	assert.Equal(t, float64(1), testutil.ToFloat64(TrackedVMs))
	assert.Equal(t, float64(5), testutil.ToFloat64(ActiveTunnels))
}
