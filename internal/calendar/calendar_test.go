package calendar

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ict = time.FixedZone("ICT", 7*3600)

var tet2025 = []string{
	"2025-01-01",
	"2025-01-28", "2025-01-29", "2025-01-30", "2025-01-31",
	"2025-02-01", "2025-02-02", "2025-02-03",
}

func day(y int, m time.Month, d, hour int) time.Time {
	return time.Date(y, m, d, hour, 0, 0, 0, ict)
}

func newTrading(t *testing.T, holidays []string) *Trading {
	t.Helper()
	cal, err := NewStaticCalendar(ict, holidays)
	require.NoError(t, err)
	return New(cal, ict)
}

func TestDaysHeld_MondayEntrySellableWednesday(t *testing.T) {
	tr := newTrading(t, nil)
	entry := day(2025, time.March, 10, 10) // Monday

	assert.Equal(t, 0, tr.DaysHeld(entry, day(2025, time.March, 10, 14)))
	assert.Equal(t, 1, tr.DaysHeld(entry, day(2025, time.March, 11, 9)))
	assert.Equal(t, 2, tr.DaysHeld(entry, day(2025, time.March, 12, 9)))
}

func TestDaysHeld_FridayEntrySkipsWeekend(t *testing.T) {
	tr := newTrading(t, nil)
	entry := day(2025, time.March, 7, 14) // Friday

	assert.Equal(t, 0, tr.DaysHeld(entry, day(2025, time.March, 8, 12)), "Saturday")
	assert.Equal(t, 0, tr.DaysHeld(entry, day(2025, time.March, 9, 12)), "Sunday")
	assert.Equal(t, 1, tr.DaysHeld(entry, day(2025, time.March, 10, 12)), "Monday")
	assert.Equal(t, 2, tr.DaysHeld(entry, day(2025, time.March, 11, 12)), "Tuesday")
}

func TestDaysHeld_HolidayWeekExcluded(t *testing.T) {
	tr := newTrading(t, tet2025)
	entry := day(2025, time.January, 27, 10) // Monday before Tet

	assert.Equal(t, 0, tr.DaysHeld(entry, day(2025, time.February, 3, 10)))
	assert.Equal(t, 1, tr.DaysHeld(entry, day(2025, time.February, 4, 10)))
	assert.Equal(t, 2, tr.DaysHeld(entry, day(2025, time.February, 5, 10)))

	settle := tr.SettlementDate(entry, 2)
	assert.Equal(t, "2025-02-05", settle.Format(dateLayout))
}

func TestDaysHeld_UsesMarketTimeZone(t *testing.T) {
	tr := newTrading(t, nil)
	// 2025-03-10 23:30 UTC is already Tuesday in Ho Chi Minh City.
	entry := time.Date(2025, time.March, 10, 23, 30, 0, 0, time.UTC)
	now := day(2025, time.March, 12, 9)
	assert.Equal(t, 1, tr.DaysHeld(entry, now))
}

func TestStaticCalendar_RejectsBadDate(t *testing.T) {
	_, err := NewStaticCalendar(ict, []string{"2025/01/01"})
	assert.Error(t, err)
}

func TestIsTradingDay(t *testing.T) {
	tr := newTrading(t, tet2025)
	assert.False(t, tr.IsTradingDay(day(2025, time.January, 1, 9)))
	assert.False(t, tr.IsTradingDay(day(2025, time.March, 8, 9)))
	assert.True(t, tr.IsTradingDay(day(2025, time.March, 10, 9)))
	assert.Equal(t, "2025-02-04", tr.NextTradingDay(day(2025, time.January, 27, 9)).Format(dateLayout))
}

// Property: the held-day counter never decreases as time moves forward, and
// the settlement date is the first date on which it reaches n.
func TestProperty_DaysHeldMonotonicAndSettlementConsistent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	tr := newTrading(t, tet2025)
	base := day(2024, time.December, 1, 10)

	properties.Property("days held is monotonic in now", prop.ForAll(
		func(offset, span int) bool {
			entry := base.AddDate(0, 0, offset)
			prev := 0
			for i := 0; i <= span; i++ {
				cur := tr.DaysHeld(entry, entry.AddDate(0, 0, i))
				if cur < prev {
					return false
				}
				prev = cur
			}
			return tr.DaysHeld(entry, entry) == 0
		},
		gen.IntRange(0, 120),
		gen.IntRange(0, 20),
	))

	properties.Property("settlement date is the first date with n days held", prop.ForAll(
		func(offset, n int) bool {
			entry := base.AddDate(0, 0, offset)
			settle := tr.SettlementDate(entry, n)
			if tr.DaysHeld(entry, settle) != n {
				return false
			}
			return tr.DaysHeld(entry, settle.AddDate(0, 0, -1)) < n
		},
		gen.IntRange(0, 120),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
