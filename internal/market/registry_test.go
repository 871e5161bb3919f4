package market

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"topstepx-engine/internal/broker"
	"topstepx-engine/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSource serves a fixed contract list and counts broker round-trips.
type fakeSource struct {
	contracts []models.Contract
	listCalls int32
	byID      map[string]models.Contract
	fail      *broker.Error
}

func (f *fakeSource) AvailableContracts(ctx context.Context, live bool) broker.Result[[]models.Contract] {
	atomic.AddInt32(&f.listCalls, 1)
	if f.fail != nil {
		return broker.Fail[[]models.Contract](f.fail)
	}
	return broker.OK(f.contracts)
}

func (f *fakeSource) SearchContracts(ctx context.Context, query string, live bool) broker.Result[[]models.Contract] {
	return broker.OK([]models.Contract{})
}

func (f *fakeSource) SearchContractByID(ctx context.Context, id string) broker.Result[models.Contract] {
	if c, ok := f.byID[id]; ok {
		return broker.OK(c)
	}
	return broker.Failf[models.Contract](broker.KindNotFound, "contract %q not found", id)
}

func testContracts() []models.Contract {
	return []models.Contract{
		{ID: "F.US.MES.Z25", Symbol: "MESZ25", BaseSymbol: "MES", TickSize: 0.25, TickValue: 1.25, PointValue: 5, Live: true},
		{ID: "F.US.MES.H26", Symbol: "MESH26", BaseSymbol: "MES", TickSize: 0.25, TickValue: 1.25, PointValue: 5, Live: false},
		{ID: "F.US.MNQ.Z25", Symbol: "MNQZ25", BaseSymbol: "MNQ", TickSize: 0.25, TickValue: 0.5, PointValue: 2, Live: true},
		{ID: "F.US.EP.Z25", Symbol: "EPZ25", BaseSymbol: "EP", TickSize: 0.25, TickValue: 12.5, PointValue: 50, Live: true},
	}
}

func newTestRegistry(src ContractSource) *Registry {
	aliases := map[string][]string{"EP": {"ES", "MES"}}
	return NewRegistry(src, 5*time.Minute, aliases, testLogger())
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"mesz25":      "MESZ25",
		"MES Z25":     "MESZ25",
		"F.US.MES.Z25": "MESZ25",
		"F.US.MES":    "MES",
		"":            "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatcher(t *testing.T) {
	t.Parallel()
	m := NewMatcher(map[string][]string{"EP": {"ES", "MES"}})

	cases := []struct {
		quote, chart string
		want         bool
	}{
		{"MES", "MESZ25", true},     // base vs contract-month
		{"ES", "MESZ25", false},     // ES is not MES
		{"F.US.MES", "MESZ25", true}, // dotted quote key
		{"MESZ25", "MESZ25", true},  // exact
		{"MESH26", "MESZ25", true},  // shared base across months
		{"EP", "MESZ25", true},      // configured alias
		{"EP", "ESZ25", true},
		{"EP", "MNQZ25", false},
		{"MNQ", "MESZ25", false},
		{"M", "MESZ25", false}, // base too short to trust
		{"", "MESZ25", false},
	}
	for _, tc := range cases {
		if got := m.Matches(tc.quote, tc.chart); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.quote, tc.chart, got, tc.want)
		}
	}
}

func TestRegistryCachesWithinTTL(t *testing.T) {
	t.Parallel()
	src := &fakeSource{contracts: testContracts()}
	r := newTestRegistry(src)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if res := r.GetBySymbol(ctx, "MESZ25"); !res.IsOK() {
			t.Fatal(res.Err)
		}
	}
	if n := atomic.LoadInt32(&src.listCalls); n != 1 {
		t.Errorf("broker list calls = %d, want 1 (TTL cache)", n)
	}
}

func TestRegistryResolvesBareRoot(t *testing.T) {
	t.Parallel()
	src := &fakeSource{contracts: testContracts()}
	r := newTestRegistry(src)

	res := r.GetBySymbol(context.Background(), "MES")
	if !res.IsOK() {
		t.Fatal(res.Err)
	}
	if res.Value.Symbol != "MESZ25" {
		t.Errorf("root MES resolved to %s, want the live month MESZ25", res.Value.Symbol)
	}

	if res := r.GetBySymbol(context.Background(), "XYZ"); res.IsOK() || res.Err.Kind != broker.KindNotFound {
		t.Errorf("unknown symbol should be NOT_FOUND, got %v", res.Err)
	}
}

func TestRegistryGetByIDFallsBackToPointLookup(t *testing.T) {
	t.Parallel()
	expired := models.Contract{ID: "F.US.MES.U25", Symbol: "MESU25", BaseSymbol: "MES", PointValue: 5}
	src := &fakeSource{
		contracts: testContracts(),
		byID:      map[string]models.Contract{expired.ID: expired},
	}
	r := newTestRegistry(src)
	ctx := context.Background()

	res := r.GetByID(ctx, "F.US.MES.U25")
	if !res.IsOK() || res.Value.Symbol != "MESU25" {
		t.Fatalf("point lookup failed: %v", res.Err)
	}
	// Second call must come from cache; empty the source to prove it.
	src.byID = nil
	if res := r.GetByID(ctx, "F.US.MES.U25"); !res.IsOK() {
		t.Errorf("cached ID lookup failed: %v", res.Err)
	}
}

func TestRegistryListAndSearch(t *testing.T) {
	t.Parallel()
	src := &fakeSource{contracts: testContracts()}
	r := newTestRegistry(src)
	ctx := context.Background()

	all := r.List(ctx, false)
	if !all.IsOK() || len(all.Value) != 4 {
		t.Fatalf("List(all) = %d contracts, want 4", len(all.Value))
	}
	live := r.List(ctx, true)
	if !live.IsOK() || len(live.Value) != 3 {
		t.Fatalf("List(live) = %d contracts, want 3", len(live.Value))
	}

	found := r.Search(ctx, "mes")
	if !found.IsOK() || len(found.Value) != 2 {
		t.Fatalf("Search(mes) = %d contracts, want 2", len(found.Value))
	}
	if found.Value[0].Symbol != "MESH26" || found.Value[1].Symbol != "MESZ25" {
		t.Errorf("search results unsorted: %v", found.Value)
	}
}

func TestRegistryServesStaleOnRefreshFailure(t *testing.T) {
	t.Parallel()
	src := &fakeSource{contracts: testContracts()}
	r := NewRegistry(src, time.Nanosecond, nil, testLogger()) // every call re-refreshes
	ctx := context.Background()

	if res := r.GetBySymbol(ctx, "MESZ25"); !res.IsOK() {
		t.Fatal(res.Err)
	}
	src.fail = &broker.Error{Kind: broker.KindNetwork, Message: "down"}
	if res := r.GetBySymbol(ctx, "MESZ25"); !res.IsOK() {
		t.Errorf("warm cache should survive a failed refresh: %v", res.Err)
	}
}

func TestRegistryColdFailureSurfaces(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fail: &broker.Error{Kind: broker.KindAuthFailed, Message: "no credentials"}}
	r := newTestRegistry(src)

	res := r.GetBySymbol(context.Background(), "MESZ25")
	if res.IsOK() || res.Err.Kind != broker.KindAuthFailed {
		t.Errorf("cold-cache failure should surface, got %v", res.Err)
	}
}
