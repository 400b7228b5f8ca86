package match

import (
	"context"
	"fmt"
	"testing"
	"time"

	"blaauwpipe/internal/frame"
)

var night = time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)

type stubSource struct {
	masters map[time.Time][]frame.MasterFrame
	calls   int
}

func (s *stubSource) Masters(n time.Time) ([]frame.MasterFrame, error) {
	s.calls++
	return s.masters[n], nil
}

func (s *stubSource) add(offset int, t frame.Type, filter string, cluster int, at time.Duration) {
	if s.masters == nil {
		s.masters = map[time.Time][]frame.MasterFrame{}
	}
	n := night.AddDate(0, 0, offset)
	key := frame.NewKey(t, "1x1", filter)
	s.masters[n] = append(s.masters[n], frame.MasterFrame{
		Path:    fmt.Sprintf("/data/%s/Correction/%s", n.Format("060102"), frame.MasterName(key, cluster)),
		Key:     key,
		Cluster: cluster,
		Night:   n,
		Created: n.Add(at),
	})
}

func lightReq(types ...frame.Type) Request {
	return Request{Night: night, Binning: "1x1", Filter: "V", Created: night.Add(22 * time.Hour), Types: types}
}

func TestSmallerOffsetWins(t *testing.T) {
	src := &stubSource{}
	src.add(-2, frame.Flat, "V", 1, 18*time.Hour)
	src.add(1, frame.Flat, "V", 1, 18*time.Hour)

	res, err := New(src, 10).Match(context.Background(), lightReq(frame.Flat))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	m := res[frame.Flat]
	if !m.Resolved() || m.Offset != 1 || m.Age != 1 {
		t.Fatalf("expected the +1 flat, got offset %d age %d", m.Offset, m.Age)
	}
}

func TestEqualOffsetPrefersPast(t *testing.T) {
	src := &stubSource{}
	src.add(1, frame.Flat, "V", 1, 18*time.Hour)
	src.add(-1, frame.Flat, "V", 1, 23*time.Hour)

	res, err := New(src, 10).Match(context.Background(), lightReq(frame.Flat))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if m := res[frame.Flat]; m.Offset != -1 || m.Age != 1 {
		t.Fatalf("expected the past flat, got offset %d age %d", m.Offset, m.Age)
	}
}

func TestSameNightPicksClosestCluster(t *testing.T) {
	src := &stubSource{}
	src.add(0, frame.Bias, "", 1, 17*time.Hour)
	src.add(0, frame.Bias, "", 2, 21*time.Hour)
	src.add(0, frame.Bias, "", 3, 30*time.Hour)
	src.add(-1, frame.Bias, "", 1, 22*time.Hour)

	res, err := New(src, 10).Match(context.Background(), lightReq(frame.Bias))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	m := res[frame.Bias]
	if m.Offset != 0 || m.Age != 0 || m.Master.Cluster != 2 {
		t.Fatalf("expected same-night cluster 2, got %+v", m)
	}
}

func TestFlatMustMatchFilter(t *testing.T) {
	src := &stubSource{}
	src.add(0, frame.Flat, "B", 1, 18*time.Hour)
	src.add(0, frame.Bias, "", 1, 18*time.Hour)
	src.add(0, frame.Dark, "", 1, 18*time.Hour)

	res, err := New(src, 2).Match(context.Background(), lightReq(frame.Bias, frame.Dark, frame.Flat))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res[frame.Flat].Resolved() {
		t.Fatalf("flat with another filter must not match")
	}
	ages := res.Ages()
	if ages.Bias != 0 || ages.Dark != 0 || ages.Flat != frame.AgeUnresolved {
		t.Fatalf("unexpected ages %+v", ages)
	}
	if !res.Unresolved() || res.MaxOffset() != 0 {
		t.Fatalf("unexpected result summary")
	}
}

func TestUnresolvedBeyondRadius(t *testing.T) {
	src := &stubSource{}
	src.add(4, frame.Flat, "V", 1, 18*time.Hour)

	res, err := New(src, 3).Match(context.Background(), lightReq(frame.Flat))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if m := res[frame.Flat]; m.Resolved() || m.Age != frame.AgeUnresolved {
		t.Fatalf("expected unresolved flat, got %+v", m)
	}
}

func TestUnrequestedTypesCountAsZero(t *testing.T) {
	src := &stubSource{}
	src.add(-3, frame.Bias, "", 1, 18*time.Hour)

	res, err := New(src, 5).Match(context.Background(), lightReq(frame.Bias))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	ages := res.Ages()
	if ages.Bias != 3 || ages.Dark != 0 || ages.Flat != 0 {
		t.Fatalf("unexpected ages %+v", ages)
	}
	if res.MaxOffset() != 3 {
		t.Fatalf("unexpected max offset %d", res.MaxOffset())
	}
}

func TestMatcherCachesNights(t *testing.T) {
	src := &stubSource{}
	src.add(0, frame.Bias, "", 1, 18*time.Hour)
	m := New(src, 0)
	for i := 0; i < 3; i++ {
		if _, err := m.Match(context.Background(), lightReq(frame.Bias)); err != nil {
			t.Fatalf("match: %v", err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("expected one listing, got %d", src.calls)
	}
	m.Reset()
	if _, err := m.Match(context.Background(), lightReq(frame.Bias)); err != nil {
		t.Fatalf("match: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("expected reset to reload, got %d", src.calls)
	}
}
