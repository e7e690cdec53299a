package farming

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/provideplatform/infomesh/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func openTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

// storeBackends runs fn against both store implementations
func storeBackends(t *testing.T, fn func(t *testing.T, detector *Detector, clock *testClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := &testClock{now: time.Unix(1700000000, 0)}
		fn(t, NewDetector(NewMemoryStore()).WithClock(clock.Now), clock)
	})
	t.Run("gorm", func(t *testing.T) {
		clock := &testClock{now: time.Unix(1700000000, 0)}
		fn(t, NewDetector(NewGormStore(openTestDB(t))).WithClock(clock.Now), clock)
	})
}

func TestNewPeerProbation(t *testing.T) {
	storeBackends(t, func(t *testing.T, detector *Detector, clock *testClock) {
		result, err := detector.Check("brand-new-peer", ActionCrawl)
		require.NoError(t, err)
		assert.Equal(t, VerdictProbation, result.Verdict)
		assert.InDelta(t, 24.0, result.ProbationRemainingHours, 0.01)
		assert.False(t, result.RateLimited)
		assert.Empty(t, result.Anomalies)

		clock.Advance(6 * time.Hour)
		result, err = detector.Check("brand-new-peer", ActionCrawl)
		require.NoError(t, err)
		assert.InDelta(t, 18.0, result.ProbationRemainingHours, 0.01)

		clock.Advance(19 * time.Hour)
		result, err = detector.Check("brand-new-peer", ActionCrawl)
		require.NoError(t, err)
		assert.Equal(t, VerdictClean, result.Verdict)
		assert.Equal(t, 0.0, result.ProbationRemainingHours)
	})
}

func TestBurstDetection(t *testing.T) {
	storeBackends(t, func(t *testing.T, detector *Detector, clock *testClock) {
		var result *FarmingCheck
		var err error
		for i := 0; i < burstThreshold; i++ {
			if i%2 == 0 {
				clock.Advance(time.Second)
			} else {
				clock.Advance(9 * time.Second)
			}
			result, err = detector.Check("bursty", ActionQuery)
			require.NoError(t, err)
			if i < burstThreshold-1 {
				require.Empty(t, result.Anomalies, "action %d", i)
			}
		}

		assert.Equal(t, []string{AnomalyBurst}, result.Anomalies)
		assert.Equal(t, VerdictAnomaly, result.Verdict)
		assert.Equal(t, 1, result.AnomalyCount)
	})
}

func TestRegularIntervalDetection(t *testing.T) {
	storeBackends(t, func(t *testing.T, detector *Detector, clock *testClock) {
		verdicts := make([]Verdict, 0)
		for i := 0; i < 20; i++ {
			clock.Advance(time.Minute)
			result, err := detector.Check("metronome", ActionCrawl)
			require.NoError(t, err)
			verdicts = append(verdicts, result.Verdict)
			if i == regularMinGaps {
				assert.Equal(t, []string{AnomalyRegularInterval}, result.Anomalies)
			}
		}

		for i := 0; i < regularMinGaps; i++ {
			assert.Equal(t, VerdictProbation, verdicts[i], "action %d", i)
		}
		assert.Equal(t, VerdictAnomaly, verdicts[regularMinGaps])
		assert.Equal(t, VerdictAnomaly, verdicts[regularMinGaps+1])
		// third anomaly auto-blocks and the block is sticky
		for i := regularMinGaps + 2; i < 20; i++ {
			assert.Equal(t, VerdictBlocked, verdicts[i], "action %d", i)
		}
	})
}

func TestIrregularIntervalsNotFlagged(t *testing.T) {
	storeBackends(t, func(t *testing.T, detector *Detector, clock *testClock) {
		gaps := []int{5, 61, 13, 240, 32, 7, 180, 45, 90, 11, 300, 20, 75, 3, 150}
		for _, gap := range gaps {
			clock.Advance(time.Duration(gap) * time.Second)
			result, err := detector.Check("human", ActionQuery)
			require.NoError(t, err)
			require.Empty(t, result.Anomalies)
		}
	})
}

func TestZeroMeanIntervalFlagged(t *testing.T) {
	assert.False(t, func() bool { flagged, _ := detectRegularInterval(make([]float64, regularMinGaps)); return flagged }())

	flagged, cv := detectRegularInterval(make([]float64, regularMinGaps+1))
	assert.True(t, flagged)
	assert.Equal(t, 0.0, cv)
}

func TestAutoBlockAndUnblock(t *testing.T) {
	storeBackends(t, func(t *testing.T, detector *Detector, clock *testClock) {
		for i := 0; i < regularMinGaps+3; i++ {
			clock.Advance(10 * time.Second)
			_, err := detector.Check("farmer", ActionIndex)
			require.NoError(t, err)
		}

		status, err := detector.Status("farmer")
		require.NoError(t, err)
		assert.True(t, status.Blocked)
		assert.Equal(t, AutoBlockThreshold, status.AnomalyCount)
		assert.Len(t, status.RecentAnomalies, AutoBlockThreshold)

		require.NoError(t, detector.Unblock("farmer"))
		status, err = detector.Status("farmer")
		require.NoError(t, err)
		assert.False(t, status.Blocked)
		assert.Equal(t, 0, status.AnomalyCount)

		// a human-looking action after the unblock is no longer blocked
		clock.Advance(17 * time.Minute)
		result, err := detector.Check("farmer", ActionCrawl)
		require.NoError(t, err)
		assert.Equal(t, VerdictProbation, result.Verdict)
	})
}

func TestRateLimit(t *testing.T) {
	storeBackends(t, func(t *testing.T, detector *Detector, clock *testClock) {
		var result *FarmingCheck
		var err error
		limit := HourlyCap(ActionCrawl)
		for i := 0; i <= limit; i++ {
			if i%2 == 0 {
				clock.Advance(10 * time.Second)
			} else {
				clock.Advance(40 * time.Second)
			}
			result, err = detector.Check("greedy", ActionCrawl)
			require.NoError(t, err)
			require.Empty(t, result.Anomalies)
			if i < limit {
				require.False(t, result.RateLimited, "action %d", i)
			}
		}

		assert.True(t, result.RateLimited)
		assert.Equal(t, VerdictRateLimited, result.Verdict)
		assert.Equal(t, limit+1, result.ActionsLastHour)

		// other action types have their own budget
		result, err = detector.Check("greedy", ActionQuery)
		require.NoError(t, err)
		assert.False(t, result.RateLimited)
	})
}

func TestUnknownStatus(t *testing.T) {
	detector := NewDetector(NewMemoryStore())
	status, err := detector.Status("ghost")
	require.NoError(t, err)
	assert.False(t, status.Known)
	assert.Equal(t, common.ProbationHours, status.ProbationRemainingHours)

	_, err = detector.Check("", ActionCrawl)
	require.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestPruneActions(t *testing.T) {
	storeBackends(t, func(t *testing.T, detector *Detector, clock *testClock) {
		for i := 0; i < 3; i++ {
			clock.Advance(time.Minute)
			_, err := detector.Check("old", ActionCrawl)
			require.NoError(t, err)
		}
		clock.Advance(48 * time.Hour)
		_, err := detector.Check("old", ActionCrawl)
		require.NoError(t, err)

		pruned, err := detector.Prune(24 * time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 3, pruned)
	})
}

func TestFarmingAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	detector := NewDetector(NewMemoryStore())
	r := gin.New()
	InstallAPI(r, detector)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/farming/peer-1/check", strings.NewReader(`{"action":"crawl"}`)))
	require.Equal(t, 200, w.Code)
	result := &FarmingCheck{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), result))
	assert.Equal(t, VerdictProbation, result.Verdict)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/farming/peer-1/check", strings.NewReader(`{}`)))
	assert.Equal(t, 422, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/farming/peer-1", nil))
	require.Equal(t, 200, w.Code)
	status := &PeerStatus{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), status))
	assert.True(t, status.Known)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/farming/peer-1/block", nil))
	assert.Equal(t, 204, w.Code)
}
