package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveFeed(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	before := testutil.ToFloat64(ItemsAdded)
	ObserveFeed(ResultUpdated, 3, 200*time.Millisecond)
	ObserveFeed(ResultError, 0, time.Second)

	assert.Equal(t, before+3, testutil.ToFloat64(ItemsAdded))
	assert.Equal(t, float64(1), testutil.ToFloat64(FeedFetches.WithLabelValues(ResultError)))
}
