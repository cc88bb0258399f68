package align

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tensoralign/internal/testutil"
	"github.com/banshee-data/tensoralign/internal/timebase"
)

func TestFilterNeurons(t *testing.T) {
	ts := TimeSeries{
		Values: testutil.Dense([][]float64{{1, 2}, {3, 4}, {5, 6}, {7, 8}}),
		Clock:  timebase.MustReference(epoch, 0, 30),
	}

	got, kept, err := FilterNeurons(ts, []float64{2.5, 1.9, math.NaN(), 2}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, kept)
	testutil.AssertDenseNear(t, got.Values, [][]float64{{1, 2}, {7, 8}}, 0)
	assert.Equal(t, ts.Clock, got.Clock)

	// input untouched
	assert.Equal(t, 3.0, ts.Values.At(1, 0))
}

func TestFilterNeuronsErrors(t *testing.T) {
	ts := TimeSeries{Values: testutil.Dense([][]float64{{1}, {2}}), Clock: timebase.MustReference(epoch, 0, 30)}

	_, _, err := FilterNeurons(ts, []float64{1}, 0)
	var ce *timebase.ConfigurationError
	assert.ErrorAs(t, err, &ce)

	_, _, err = FilterNeurons(ts, []float64{1, 1}, 5)
	assert.ErrorAs(t, err, &ce)

	_, _, err = FilterNeurons(TimeSeries{}, nil, 0)
	assert.Error(t, err)
}
