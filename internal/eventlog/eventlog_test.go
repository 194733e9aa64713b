package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/HerbHall/routerwatch/internal/testutil"
	"github.com/HerbHall/routerwatch/internal/watchdog"
	"go.uber.org/zap"
)

var testNow = testutil.Now

func testLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(context.Background(), testutil.NewStore(t), zap.NewNop(),
		WithNow(func() time.Time { return testNow }),
		WithLocation(time.UTC),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func mustSave(t *testing.T, l *Log, kind watchdog.Kind, at time.Time, value float64) {
	t.Helper()
	if _, err := l.Save(context.Background(), watchdog.Event{Kind: kind, Timestamp: at, Value: value}); err != nil {
		t.Fatalf("Save(%v): %v", kind, err)
	}
}

func TestNew_MigrationIdempotent(t *testing.T) {
	s := testutil.NewStore(t)
	for i := 0; i < 2; i++ {
		if _, err := New(context.Background(), s, nil); err != nil {
			t.Fatalf("New pass %d: %v", i+1, err)
		}
	}
}

func TestSave_DefaultsAndIDs(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	id1, err := l.Save(ctx, watchdog.Event{Kind: watchdog.KindWANFail})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	id2, err := l.Save(ctx, watchdog.Event{Kind: watchdog.KindRouterFail, Timestamp: testNow})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("ids not increasing: %d then %d", id1, id2)
	}

	records, err := l.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	for _, r := range records {
		if r.Value != 0 {
			t.Errorf("record %d value = %v, want 0", r.ID, r.Value)
		}
		if !r.Timestamp.Equal(testNow) {
			t.Errorf("record %d timestamp = %v, want %v", r.ID, r.Timestamp, testNow)
		}
	}
}

func TestNotify_Persists(t *testing.T) {
	l := testLog(t)
	l.Notify(context.Background(), watchdog.Event{Kind: watchdog.KindDownloadTest, Timestamp: testNow, Value: 42e6})

	records, err := l.List(context.Background(), "download_test", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].Value != 42e6 {
		t.Errorf("records = %+v, want one download_test with 42e6", records)
	}
}

func TestList_FilterOrderLimit(t *testing.T) {
	l := testLog(t)
	base := testNow.Add(-time.Hour)
	mustSave(t, l, watchdog.KindWANFail, base, 0)
	mustSave(t, l, watchdog.KindRouterReboot, base.Add(time.Minute), 0)
	mustSave(t, l, watchdog.KindWANFail, base.Add(2*time.Minute), 0)
	mustSave(t, l, watchdog.KindRouterFail, base.Add(3*time.Minute), 0)

	ctx := context.Background()

	all, err := l.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 || all[0].Kind != "router_fail" || all[3].Kind != "wan_fail" {
		t.Errorf("List() order = %+v, want newest first", all)
	}

	wan, err := l.List(ctx, "wan_fail", 0)
	if err != nil {
		t.Fatalf("List(wan_fail): %v", err)
	}
	if len(wan) != 2 {
		t.Errorf("len(wan_fail) = %d, want 2", len(wan))
	}

	limited, err := l.List(ctx, "", 1)
	if err != nil {
		t.Fatalf("List(limit 1): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}
}

func TestList_Empty(t *testing.T) {
	l := testLog(t)
	records, err := l.List(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("List() = %#v, want empty non-nil slice", records)
	}
}

func TestStats_Empty(t *testing.T) {
	l := testLog(t)
	st, err := l.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.LastReboot != nil || st.AvgDownloadToday != nil || st.LastDownload != nil {
		t.Errorf("Stats() = %+v, want no reboot or download data", st)
	}
	if st.RebootsToday != 0 {
		t.Errorf("RebootsToday = %d, want 0", st.RebootsToday)
	}
}

func TestStats(t *testing.T) {
	l := testLog(t)
	yesterday := testNow.Add(-24 * time.Hour)

	mustSave(t, l, watchdog.KindRouterReboot, yesterday, 0)
	mustSave(t, l, watchdog.KindDownloadTest, yesterday, 1e6)
	mustSave(t, l, watchdog.KindRouterReboot, testNow.Add(-5*time.Hour), 0)
	mustSave(t, l, watchdog.KindRouterReboot, testNow.Add(-2*time.Hour), 0)
	mustSave(t, l, watchdog.KindDownloadTest, testNow.Add(-3*time.Hour), 10e6)
	mustSave(t, l, watchdog.KindDownloadTest, testNow.Add(-time.Hour), 20e6)
	mustSave(t, l, watchdog.KindWANFail, testNow.Add(-time.Minute), 0)

	st, err := l.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if st.LastReboot == nil || !st.LastReboot.Equal(testNow.Add(-2*time.Hour)) {
		t.Errorf("LastReboot = %v, want %v", st.LastReboot, testNow.Add(-2*time.Hour))
	}
	if st.UptimeSeconds != 7200 {
		t.Errorf("UptimeSeconds = %v, want 7200", st.UptimeSeconds)
	}
	if st.Uptime != "2:00:00" {
		t.Errorf("Uptime = %q, want 2:00:00", st.Uptime)
	}
	if st.RebootsToday != 2 {
		t.Errorf("RebootsToday = %d, want 2", st.RebootsToday)
	}
	if st.DownloadTestsToday != 2 {
		t.Errorf("DownloadTestsToday = %d, want 2", st.DownloadTestsToday)
	}
	if st.AvgDownloadToday == nil || *st.AvgDownloadToday != 15e6 {
		t.Errorf("AvgDownloadToday = %v, want 15e6", st.AvgDownloadToday)
	}
	if st.LastDownload == nil || *st.LastDownload != 20e6 {
		t.Errorf("LastDownload = %v, want 20e6", st.LastDownload)
	}
}

func TestDaily(t *testing.T) {
	l := testLog(t)
	day1 := time.Date(2024, 6, 13, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 6, 14, 10, 0, 0, 0, time.UTC)

	mustSave(t, l, watchdog.KindRouterReboot, day1, 0)
	mustSave(t, l, watchdog.KindRouterReboot, day1.Add(time.Hour), 0)
	mustSave(t, l, watchdog.KindRouterReboot, day2, 0)
	mustSave(t, l, watchdog.KindDownloadTest, day1, 10)
	mustSave(t, l, watchdog.KindDownloadTest, day1.Add(time.Hour), 30)
	mustSave(t, l, watchdog.KindDownloadTest, day2, 50)

	tests := []struct {
		kind watchdog.Kind
		want []DailyPoint
	}{
		{watchdog.KindRouterReboot, []DailyPoint{{"2024-06-13", 2}, {"2024-06-14", 1}}},
		{watchdog.KindDownloadTest, []DailyPoint{{"2024-06-13", 20}, {"2024-06-14", 50}}},
		{watchdog.KindWANFail, []DailyPoint{}},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			got, err := l.Daily(context.Background(), tt.kind)
			if err != nil {
				t.Fatalf("Daily: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Daily() = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Daily()[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDaily_BucketsInLocation(t *testing.T) {
	// UTC-5 all year, so 02:00 UTC is still the previous local day.
	loc := time.FixedZone("UTC-5", -5*60*60)
	l, err := New(context.Background(), testutil.NewStore(t), zap.NewNop(),
		WithNow(func() time.Time { return testNow }),
		WithLocation(loc),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// testNow is 2024-06-15 18:30 UTC, 13:30 local.
	mustSave(t, l, watchdog.KindRouterReboot, time.Date(2024, 6, 15, 2, 0, 0, 0, time.UTC), 0)
	mustSave(t, l, watchdog.KindRouterReboot, time.Date(2024, 6, 15, 6, 0, 0, 0, time.UTC), 0)
	mustSave(t, l, watchdog.KindRouterReboot, time.Date(2024, 6, 15, 17, 0, 0, 0, time.UTC), 0)
	mustSave(t, l, watchdog.KindDownloadTest, time.Date(2024, 6, 15, 3, 0, 0, 0, time.UTC), 40)
	mustSave(t, l, watchdog.KindDownloadTest, time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC), 60)

	ctx := context.Background()
	reboots, err := l.Daily(ctx, watchdog.KindRouterReboot)
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	want := []DailyPoint{{"2024-06-14", 1}, {"2024-06-15", 2}}
	if len(reboots) != len(want) || reboots[0] != want[0] || reboots[1] != want[1] {
		t.Errorf("Daily(router_reboot) = %+v, want %+v", reboots, want)
	}

	downloads, err := l.Daily(ctx, watchdog.KindDownloadTest)
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	wantDL := []DailyPoint{{"2024-06-14", 40}, {"2024-06-15", 60}}
	if len(downloads) != len(wantDL) || downloads[0] != wantDL[0] || downloads[1] != wantDL[1] {
		t.Errorf("Daily(download_test) = %+v, want %+v", downloads, wantDL)
	}

	st, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	today := reboots[len(reboots)-1]
	if float64(st.RebootsToday) != today.Value {
		t.Errorf("RebootsToday = %d, Daily today = %v, want them equal", st.RebootsToday, today.Value)
	}
}
