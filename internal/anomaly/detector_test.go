package anomaly

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obsMS(v int, open bool, banner string) Observation {
	return Observation{ResponseTime: time.Duration(v) * time.Millisecond, IsOpen: open, Banner: banner}
}

func TestInsufficientHistory(t *testing.T) {
	d := NewDetector(DefaultConfig())

	assert.False(t, d.IsAnomaly(22, obsMS(1_000_000, false, "anything")), "no history at all")

	for i := 0; i < 9; i++ {
		d.Record(22, obsMS(10, true, ""))
	}
	res := d.Check(22, obsMS(1_000_000, false, "different"))
	assert.False(t, res.Anomalous, "nine samples are not enough")
	assert.Equal(t, 9, res.Samples)
}

func TestResponseTimeAnomaly(t *testing.T) {
	d := NewDetector(DefaultConfig())

	// 20 samples alternating 90/110 ms: mean 100 ms, stddev 10 ms.
	for i := 0; i < 20; i++ {
		v := 90
		if i%2 == 1 {
			v = 110
		}
		d.Record(80, obsMS(v, true, ""))
	}

	res := d.Check(80, obsMS(125, true, ""))
	require.True(t, res.Anomalous)
	assert.Equal(t, []Kind{KindResponseTime}, res.Kinds)
	assert.Equal(t, 100*time.Millisecond, res.Mean)
	assert.Equal(t, 10*time.Millisecond, res.StdDev)

	assert.False(t, d.IsAnomaly(80, obsMS(115, true, "")), "within two standard deviations")
	assert.True(t, d.IsAnomaly(80, obsMS(75, true, "")), "deviation below the mean counts too")
}

func TestStateAnomaly(t *testing.T) {
	d := NewDetector(DefaultConfig())
	for i := 0; i < 12; i++ {
		d.Record(443, obsMS(20, true, ""))
	}

	res := d.Check(443, obsMS(20, false, ""))
	require.True(t, res.Anomalous)
	assert.Equal(t, []Kind{KindState}, res.Kinds)
	assert.False(t, d.IsAnomaly(443, obsMS(20, true, "")))
}

func TestStateMajorityUsesStrictHalf(t *testing.T) {
	d := NewDetector(DefaultConfig())
	for i := 0; i < 10; i++ {
		d.Record(25, obsMS(20, i < 5, ""))
	}

	// Five of ten open is not a majority, so the port is usually closed.
	assert.False(t, d.IsAnomaly(25, obsMS(20, false, "")))
	assert.True(t, d.IsAnomaly(25, obsMS(20, true, "")))
}

func TestBannerAnomaly(t *testing.T) {
	d := NewDetector(DefaultConfig())
	for i := 0; i < 8; i++ {
		d.Record(22, obsMS(20, true, "SSH-2.0-OpenSSH_8.9"))
	}
	for i := 0; i < 3; i++ {
		d.Record(22, obsMS(20, true, "SSH-2.0-dropbear"))
	}

	res := d.Check(22, obsMS(20, true, "SSH-2.0-OpenSSH_9.6"))
	require.True(t, res.Anomalous)
	assert.Equal(t, []Kind{KindBanner}, res.Kinds)

	assert.False(t, d.IsAnomaly(22, obsMS(20, true, "SSH-2.0-OpenSSH_8.9")))
	assert.False(t, d.IsAnomaly(22, obsMS(20, true, "")), "missing banner is not compared")
}

func TestHistoryWindowEvictsOldest(t *testing.T) {
	d := NewDetector(DefaultConfig())
	for i := 0; i < 1500; i++ {
		d.Record(8080, obsMS(i, true, ""))
	}

	history := d.History(8080)
	require.Len(t, history, 1000)
	assert.Equal(t, 500*time.Millisecond, history[0].ResponseTime)
	assert.Equal(t, 1499*time.Millisecond, history[len(history)-1].ResponseTime)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].ResponseTime+time.Millisecond, history[i].ResponseTime)
	}
}

func TestCheckDoesNotRecord(t *testing.T) {
	d := NewDetector(DefaultConfig())
	for i := 0; i < 10; i++ {
		d.Record(53, obsMS(5, true, ""))
	}
	d.Check(53, obsMS(5, true, ""))
	d.IsAnomaly(53, obsMS(5, true, ""))

	assert.Len(t, d.History(53), 10)
	assert.Nil(t, d.History(54))
}

func TestPortsAreIndependent(t *testing.T) {
	d := NewDetector(Config{Window: 5, MinSamples: 2, StdDevFactor: 2})
	for i := 0; i < 10; i++ {
		d.Record(1, obsMS(10, true, ""))
	}
	d.Record(2, obsMS(10, false, ""))

	assert.Len(t, d.History(1), 5)
	assert.Len(t, d.History(2), 1)
	assert.False(t, d.IsAnomaly(2, obsMS(10, true, "")), "port 2 lacks samples")
}

func TestConcurrentRecord(t *testing.T) {
	d := NewDetector(DefaultConfig())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				d.Record(22, obsMS(i, true, "x"))
				d.Check(22, obsMS(i, true, "x"))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, d.History(22), 1000)
}
