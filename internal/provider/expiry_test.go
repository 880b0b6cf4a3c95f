package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skaranth/optioncollector/internal/core/domain"
)

var niftyParams = domain.IndexParams{
	Name:          "NIFTY",
	Exchange:      "NFO",
	SpotKey:       "NSE:NIFTY 50",
	StrikeStep:    50,
	ExpiryWeekday: time.Thursday,
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func optionAt(name, symbol string, strike float64, expiry time.Time) domain.Instrument {
	return domain.Instrument{
		Exchange:      "NFO",
		TradingSymbol: symbol,
		Name:          name,
		Segment:       "NFO-OPT",
		Kind:          domain.OptionCall,
		Strike:        strike,
		Expiry:        expiry,
	}
}

func TestExtract(t *testing.T) {
	today := day(2026, 8, 26)
	thisWeek := day(2026, 8, 27)
	nextWeek := day(2026, 9, 3)

	universe := []domain.Instrument{
		optionAt("NIFTY", "NIFTY26AUG24500CE", 24500, thisWeek),
		optionAt("NIFTY", "NIFTY26SEP24550CE", 24550, nextWeek),
		optionAt("NIFTY", "NIFTY26AUG24500PE", 24500, thisWeek), // duplicate expiry
		optionAt("NIFTY", "NIFTYOLD24500CE", 24500, day(2026, 8, 20)),      // already expired
		optionAt("BANKNIFTY", "BANKNIFTY26AUG52000CE", 52000, thisWeek),    // other index
		optionAt("NIFTY", "NIFTY26AUG30000CE", 30000, day(2026, 9, 10)),    // far from ATM
		{Exchange: "NSE", TradingSymbol: "NIFTY 50", Name: "NIFTY", Segment: "INDICES"}, // not an option
	}

	got := Extract(niftyParams, universe, 24500, 500, today)
	want := []time.Time{thisWeek, nextWeek}
	if len(got) != len(want) {
		t.Fatalf("Extract() returned %d expiries, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("expiry[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	// Order independence: reversed input yields the same sorted output.
	reversed := make([]domain.Instrument, len(universe))
	for i, in := range universe {
		reversed[len(universe)-1-i] = in
	}
	again := Extract(niftyParams, reversed, 24500, 500, today)
	if len(again) != len(got) {
		t.Fatalf("reversed input changed result: %v vs %v", again, got)
	}
	for i := range got {
		if !again[i].Equal(got[i]) {
			t.Errorf("reversed input changed expiry[%d]", i)
		}
	}
}

func TestExtractWithoutATMUsesFullChain(t *testing.T) {
	today := day(2026, 8, 26)
	far := day(2026, 9, 10)

	universe := []domain.Instrument{
		optionAt("NIFTY", "NIFTY26AUG30000CE", 30000, far),
	}

	if got := Extract(niftyParams, universe, 0, 500, today); len(got) != 1 {
		t.Errorf("without ATM strike got %d expiries, want 1 (no window filter)", len(got))
	}
}

func TestExtractDoesNotCrossIndexPrefixes(t *testing.T) {
	today := day(2026, 8, 26)
	expiry := day(2026, 8, 27)

	universe := []domain.Instrument{
		optionAt("BANKNIFTY", "BANKNIFTY26AUG52000CE", 52000, expiry),
		optionAt("FINNIFTY", "FINNIFTY26AUG26000CE", 26000, expiry),
	}

	if got := Extract(niftyParams, universe, 0, 0, today); len(got) != 0 {
		t.Errorf("NIFTY extraction matched other indices: %v", got)
	}

	bank := niftyParams
	bank.Name = "BANKNIFTY"
	if got := Extract(bank, universe, 0, 0, today); len(got) != 1 {
		t.Errorf("BANKNIFTY extraction got %d expiries, want 1", len(got))
	}
}

func TestFabricate(t *testing.T) {
	tests := []struct {
		name  string
		today time.Time
		want  [2]time.Time
	}{
		{
			name:  "midweek before expiry day",
			today: day(2026, 8, 25), // Tuesday
			want:  [2]time.Time{day(2026, 8, 27), day(2026, 9, 3)},
		},
		{
			name:  "on the expiry day itself",
			today: day(2026, 8, 27), // Thursday
			want:  [2]time.Time{day(2026, 8, 27), day(2026, 9, 3)},
		},
		{
			name:  "just after expiry day",
			today: day(2026, 8, 28), // Friday
			want:  [2]time.Time{day(2026, 9, 3), day(2026, 9, 10)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fabricate(niftyParams, tt.today)
			if !got[0].Equal(tt.want[0]) || !got[1].Equal(tt.want[1]) {
				t.Errorf("Fabricate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveFabricatesOnEmptyExtraction(t *testing.T) {
	today := day(2026, 8, 25)
	r := NewExpiryResolver(10 * time.Minute)
	r.now = func() time.Time { return today }

	// Universe holds only foreign contracts so extraction matches nothing.
	universe := []domain.Instrument{
		optionAt("BANKNIFTY", "BANKNIFTY26AUG52000CE", 52000, day(2026, 8, 27)),
	}
	fetch := func(context.Context) ([]domain.Instrument, error) { return universe, nil }

	got, err := r.Resolve(context.Background(), niftyParams, fetch, nil, 500)
	if err != nil {
		t.Fatal(err)
	}
	want := Fabricate(niftyParams, today)
	if len(got) != 2 || !got[0].Equal(want[0]) || !got[1].Equal(want[1]) {
		t.Errorf("Resolve() = %v, want fabricated %v", got, want)
	}
}

func TestResolveEmptyUniverseDoesNotFabricate(t *testing.T) {
	r := NewExpiryResolver(10 * time.Minute)

	fetch := func(context.Context) ([]domain.Instrument, error) { return nil, nil }
	got, err := r.Resolve(context.Background(), niftyParams, fetch, nil, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Resolve() = %v, want empty (no fabrication without a universe)", got)
	}
}

func TestResolveSurvivesATMProviderFailure(t *testing.T) {
	today := day(2026, 8, 26)
	r := NewExpiryResolver(10 * time.Minute)
	r.now = func() time.Time { return today }

	universe := []domain.Instrument{
		optionAt("NIFTY", "NIFTY26AUG30000CE", 30000, day(2026, 8, 27)),
	}
	fetch := func(context.Context) ([]domain.Instrument, error) { return universe, nil }
	badATM := func(context.Context) (float64, error) { return 0, errors.New("spot down") }

	got, err := r.Resolve(context.Background(), niftyParams, fetch, badATM, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("Resolve() = %v, want 1 expiry from unnarrowed extraction", got)
	}
}

func TestResolveCachesPerIndex(t *testing.T) {
	clock := day(2026, 8, 26)
	r := NewExpiryResolver(10 * time.Minute)
	r.now = func() time.Time { return clock }

	fetches := 0
	fetch := func(context.Context) ([]domain.Instrument, error) {
		fetches++
		return []domain.Instrument{
			optionAt("NIFTY", "NIFTY26AUG24500CE", 24500, day(2026, 8, 27)),
		}, nil
	}

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), niftyParams, fetch, nil, 0); err != nil {
			t.Fatal(err)
		}
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1 (cached)", fetches)
	}

	clock = clock.Add(11 * time.Minute)
	if _, err := r.Resolve(context.Background(), niftyParams, fetch, nil, 0); err != nil {
		t.Fatal(err)
	}
	if fetches != 2 {
		t.Errorf("fetches = %d, want 2 after TTL", fetches)
	}
}

func TestSelectByRule(t *testing.T) {
	today := day(2026, 8, 26)
	expiries := []time.Time{
		day(2026, 8, 27),
		day(2026, 9, 3),
		day(2026, 9, 24),
	}

	tests := []struct {
		rule    domain.ExpiryRule
		want    time.Time
		wantErr bool
	}{
		{rule: domain.ExpiryThisWeek, want: day(2026, 8, 27)},
		{rule: domain.ExpiryNextWeek, want: day(2026, 9, 3)},
		{rule: domain.ExpiryThisMonth, want: day(2026, 8, 27)},
		{rule: domain.ExpiryNextMonth, want: day(2026, 9, 24)},
		{rule: domain.ExpiryRule("bogus"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.rule), func(t *testing.T) {
			got, err := SelectByRule(expiries, tt.rule, today)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("SelectByRule(%s) = %v, want %v", tt.rule, got, tt.want)
			}
		})
	}

	if _, err := SelectByRule(expiries[:1], domain.ExpiryNextWeek, today); err == nil {
		t.Error("expected error when no second expiry exists")
	}
	if _, err := SelectByRule(nil, domain.ExpiryThisWeek, today); err == nil {
		t.Error("expected error on empty expiry set")
	}
}
