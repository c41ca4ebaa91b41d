package tracker

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/pkg/resource"
)

var pool = resource.MustParseIdentifier("app:type=Pool,name=db")

func snap(active int) resource.Snapshot {
	return resource.Snapshot{"active": resource.Scalar(active)}
}

func TestDiff_FirstObservation(t *testing.T) {
	tr := New()

	d := tr.Diff(pool, snap(5), []string{"active"}, UnlimitedSuppression)

	assert.Equal(t, FirstObservation, d)
	assert.True(t, d.Emits())
	assert.Equal(t, 1, tr.Len())
}

func TestDiff_Changed(t *testing.T) {
	tr := New()
	tr.Diff(pool, snap(5), []string{"active"}, UnlimitedSuppression)
	tr.Diff(pool, snap(5), []string{"active"}, UnlimitedSuppression)

	d := tr.Diff(pool, snap(6), []string{"active"}, UnlimitedSuppression)
	assert.Equal(t, Changed, d)

	state, ok := tr.State(pool)
	require.True(t, ok)
	assert.Equal(t, 0, state.SuppressionCount(), "emission resets the counter")
	assert.True(t, resource.Equal(resource.Scalar(6), state.LastSnapshot()["active"]))
	assert.Equal(t, "active", state.Info().LastChanged)
}

func TestDiff_UnlimitedSuppressionIsMonotonic(t *testing.T) {
	tr := New()
	tr.Diff(pool, snap(5), []string{"active"}, UnlimitedSuppression)
	state, _ := tr.State(pool)

	for i := 1; i <= 50; i++ {
		d := tr.Diff(pool, snap(5), []string{"active"}, UnlimitedSuppression)
		require.Equal(t, SuppressedDuplicate, d)
		require.Equal(t, i, state.SuppressionCount())
	}
}

func TestDiff_ForcedHeartbeat(t *testing.T) {
	for _, k := range []int{0, 1, 3} {
		tr := New()
		tr.Diff(pool, snap(5), []string{"active"}, k)
		state, _ := tr.State(pool)

		for i := 0; i < k; i++ {
			d := tr.Diff(pool, snap(5), []string{"active"}, k)
			assert.Equal(t, SuppressedDuplicate, d, "k=%d poll %d", k, i+1)
		}

		d := tr.Diff(pool, snap(5), []string{"active"}, k)
		assert.Equal(t, ForcedEmit, d, "k=%d: poll %d must emit", k, k+1)
		assert.Equal(t, 0, state.SuppressionCount())

		// The cycle starts over.
		if k > 0 {
			assert.Equal(t, SuppressedDuplicate, tr.Diff(pool, snap(5), []string{"active"}, k))
		}
	}
}

func TestDiff_ZeroCeilingEmitsEveryUnchangedPoll(t *testing.T) {
	tr := New()
	assert.Equal(t, FirstObservation, tr.Diff(pool, snap(5), []string{"active"}, 0))
	assert.Equal(t, ForcedEmit, tr.Diff(pool, snap(5), []string{"active"}, 0))
	assert.Equal(t, ForcedEmit, tr.Diff(pool, snap(5), []string{"active"}, 0))
}

func TestDiff_NullEqualsAbsent(t *testing.T) {
	tr := New()
	tr.Diff(pool, resource.Snapshot{"a": resource.Scalar(1)}, []string{"a", "x"}, UnlimitedSuppression)

	d := tr.Diff(pool, resource.Snapshot{"a": resource.Scalar(1), "x": resource.Null()}, []string{"a", "x"}, UnlimitedSuppression)
	assert.Equal(t, SuppressedDuplicate, d)

	d = tr.Diff(pool, resource.Snapshot{"a": resource.Scalar(1), "x": resource.Scalar(2)}, []string{"a", "x"}, UnlimitedSuppression)
	assert.Equal(t, Changed, d)

	d = tr.Diff(pool, resource.Snapshot{"a": resource.Scalar(1)}, []string{"a", "x"}, UnlimitedSuppression)
	assert.Equal(t, Changed, d, "value disappearing is a change")
}

func TestDiff_NaNIsUnchanged(t *testing.T) {
	tr := New()
	nan := resource.Snapshot{"active": resource.Scalar(5), "load": resource.Scalar(math.NaN())}
	monitored := []string{"active", "load"}

	assert.Equal(t, FirstObservation, tr.Diff(pool, nan, monitored, UnlimitedSuppression))
	for i := 1; i <= 3; i++ {
		assert.Equal(t, SuppressedDuplicate, tr.Diff(pool, nan, monitored, UnlimitedSuppression))
		state, ok := tr.State(pool)
		require.True(t, ok)
		assert.Equal(t, i, state.SuppressionCount())
	}

	d := tr.Diff(pool, resource.Snapshot{"active": resource.Scalar(5), "load": resource.Scalar(0.5)}, monitored, UnlimitedSuppression)
	assert.Equal(t, Changed, d)
}

func TestDiff_CollectedNeverTriggersChange(t *testing.T) {
	sets := AttributeSets{Collected: []string{"uptime"}}
	tr := New()

	first := resource.Snapshot{"active": resource.Scalar(5), "uptime": resource.Scalar(100)}
	tr.Diff(pool, first, sets.MonitoredNames(first), UnlimitedSuppression)

	second := resource.Snapshot{"active": resource.Scalar(5), "uptime": resource.Scalar(200)}
	d := tr.Diff(pool, second, sets.MonitoredNames(second), UnlimitedSuppression)
	assert.Equal(t, SuppressedDuplicate, d)
}

func TestDiff_UnmonitoredChangeIgnored(t *testing.T) {
	tr := New()
	tr.Diff(pool, resource.Snapshot{"a": resource.Scalar(1), "b": resource.Scalar(1)}, []string{"a"}, UnlimitedSuppression)

	d := tr.Diff(pool, resource.Snapshot{"a": resource.Scalar(1), "b": resource.Scalar(2)}, []string{"a"}, UnlimitedSuppression)
	assert.Equal(t, SuppressedDuplicate, d)
}

func TestDiff_ResourcesAreIndependent(t *testing.T) {
	other := resource.MustParseIdentifier("app:type=Pool,name=cache")
	tr := New()

	assert.Equal(t, FirstObservation, tr.Diff(pool, snap(1), []string{"active"}, UnlimitedSuppression))
	assert.Equal(t, FirstObservation, tr.Diff(other, snap(1), []string{"active"}, UnlimitedSuppression))
	assert.Equal(t, SuppressedDuplicate, tr.Diff(pool, snap(1), []string{"active"}, UnlimitedSuppression))

	infos := tr.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "app:name=cache,type=Pool", infos[0].Resource)
	assert.Equal(t, 0, infos[0].SuppressionCount)
	assert.Equal(t, 1, infos[1].SuppressionCount)

	tr.Reset()
	assert.Equal(t, 0, tr.Len())
}

func TestDiff_ConcurrentInspection(t *testing.T) {
	tr := New()
	tr.Diff(pool, snap(0), []string{"active"}, UnlimitedSuppression)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tr.Diff(pool, snap(i%3), []string{"active"}, 2)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = tr.Infos()
		}
	}()
	wg.Wait()

	assert.Equal(t, 1, tr.Len())
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "first_observation", FirstObservation.String())
	assert.Equal(t, "changed", Changed.String())
	assert.Equal(t, "suppressed_duplicate", SuppressedDuplicate.String())
	assert.Equal(t, "forced_emit", ForcedEmit.String())
	assert.False(t, SuppressedDuplicate.Emits())
}
