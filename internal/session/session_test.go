package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bardlex/blockgrave/internal/difficulty"
	"github.com/bardlex/blockgrave/internal/events"
	"github.com/bardlex/blockgrave/internal/ledger"
	"github.com/bardlex/blockgrave/internal/market"
	"github.com/bardlex/blockgrave/internal/upgrade"
	"github.com/bardlex/blockgrave/pkg/errors"
)

func quietParams() Params {
	p := DefaultParams()
	p.Events.MajorProbability = 0
	p.Events.MinorProbability = 0
	return p
}

func newTestSession(t *testing.T, p Params, opts ...Option) (*Session, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	s, err := New(p, 42, testLogger(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, clk
}

// injectJob places a job with the given linklet difficulties in the pool.
func injectJob(s *Session, id string, diffs ...float64) {
	job := difficulty.Job{ID: id, Name: "Test Crypt", Rows: 1, Cols: len(diffs)}
	for i, d := range diffs {
		job.Linklets = append(job.Linklets, difficulty.Linklet{Index: i, Difficulty: d})
		job.Difficulty += d
	}
	job.Payout = s.model.Payout(job.Difficulty)
	s.mu.Lock()
	s.pool = append(s.pool, job)
	s.mu.Unlock()
}

func runUntilMinted(t *testing.T, s *Session, clk *fakeClock, dt time.Duration) TickReport {
	t.Helper()
	for range 1000 {
		rep := s.Step(clk.Advance(dt), dt)
		if rep.Minted != nil {
			return rep
		}
	}
	t.Fatal("job never completed")
	return TickReport{}
}

func TestStartState(t *testing.T) {
	s, _ := newTestSession(t, DefaultParams())
	snap := s.Snapshot()

	if !snap.Wallet.Credits.Equal(decimal.NewFromInt(100)) || !snap.Wallet.Chain.IsZero() {
		t.Errorf("wallet = %+v", snap.Wallet)
	}
	if snap.Account.Owned["Processor"] != 1 {
		t.Errorf("owned = %v", snap.Account.Owned)
	}
	if snap.Market.Price != 32 || snap.LedgerTip != ledger.Genesis || snap.Links != 0 {
		t.Errorf("market price %v tip %s links %d", snap.Market.Price, snap.LedgerTip, snap.Links)
	}
	if len(snap.Pool) < 4 {
		t.Errorf("pool size = %d", len(snap.Pool))
	}
	if snap.Rate != 1 {
		t.Errorf("rate = %v, want 1", snap.Rate)
	}
}

func TestWithID(t *testing.T) {
	drawn, _ := newTestSession(t, DefaultParams())
	fixed := uuid.MustParse("6f1c1b0e-8a51-4c55-9a4e-1f0d2b3c4d5e")
	s, _ := newTestSession(t, DefaultParams(), WithID(fixed))

	if s.ID() != fixed {
		t.Errorf("ID() = %s, want %s", s.ID(), fixed)
	}
	// The identifier draw still happens, so the pool matches the seeded one.
	if a, b := drawn.Snapshot().Pool, s.Snapshot().Pool; len(a) != len(b) || a[0].ID != b[0].ID {
		t.Error("fixing the id changed the seeded job pool")
	}
}

func TestPayoutScenario(t *testing.T) {
	p := quietParams()
	p.Market.InitialPrice = 100
	s, clk := newTestSession(t, p)
	injectJob(s, "JFIFTY", 10, 15, 25)

	if _, err := s.SelectJob("JFIFTY"); err != nil {
		t.Fatalf("SelectJob() error = %v", err)
	}
	rep := runUntilMinted(t, s, clk, 10*time.Second)

	if !rep.Payout.Equal(decimal.RequireFromString("17.5")) {
		t.Errorf("payout = %s, want 17.5", rep.Payout)
	}
	snap := s.Snapshot()
	if !snap.Wallet.Credits.Equal(decimal.RequireFromString("117.5")) {
		t.Errorf("credits = %s, want 117.5", snap.Wallet.Credits)
	}
	if snap.LedgerSeq != 1 || snap.Links != 1 {
		t.Errorf("ledger seq %d links %d, want 1", snap.LedgerSeq, snap.Links)
	}
	if snap.LedgerTip == ledger.Genesis {
		t.Error("ledger tip still genesis")
	}
	if snap.Market.Supply != 1 {
		t.Errorf("supply = %d", snap.Market.Supply)
	}
	if snap.ActiveJob != nil {
		t.Error("completed job still active")
	}
	link, ok := s.Link(rep.Minted.ID.String())
	if !ok || link.Owner != "player" || !link.MintedValue.Equal(rep.Payout) {
		t.Errorf("link = %+v", link)
	}
}

func TestSelectJob(t *testing.T) {
	s, clk := newTestSession(t, quietParams())

	if _, err := s.SelectJob("nope"); !stderrors.Is(err, errors.ErrUnknownJob) {
		t.Fatalf("SelectJob(unknown) error = %v", err)
	}

	injectJob(s, "JA", 100)
	injectJob(s, "JB", 5)
	if _, err := s.SelectJob("JA"); err != nil {
		t.Fatal(err)
	}
	s.Step(clk.Advance(time.Second), time.Second)

	sel, err := s.SelectJob("JB")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Returned == nil || sel.Returned.ID != "JA" || sel.Returned.Linklets[0].Work != 1 {
		t.Errorf("returned = %+v", sel.Returned)
	}
	found := false
	for _, j := range s.Snapshot().Pool {
		if j.ID == "JA" {
			found = true
		}
		if j.ID == "JB" {
			t.Error("selected job still pooled")
		}
	}
	if !found {
		t.Error("abandoned job not returned to the pool")
	}
}

func TestStepWithoutJob(t *testing.T) {
	s, clk := newTestSession(t, quietParams())
	for range 5 {
		rep := s.Step(clk.Advance(100*time.Millisecond), 100*time.Millisecond)
		if rep.Minted != nil || len(rep.Solved) != 0 {
			t.Fatalf("idle tick produced work: %+v", rep)
		}
	}
	if got := s.Snapshot().Tick; got != 5 {
		t.Errorf("tick = %d, want 5", got)
	}
}

func TestDailyCapScenario(t *testing.T) {
	p := quietParams()
	p.Bank.StartCredits = 1_000_000
	s, clk := newTestSession(t, p)

	for i := range 11 {
		if _, err := s.PurchaseUpgrade("Processor"); err != nil {
			t.Fatalf("purchase %d: %v", i+2, err)
		}
	}
	// the start unit is granted, not purchased, so twelve buys fit today
	if _, err := s.PurchaseUpgrade("Processor"); err != nil {
		t.Fatalf("purchase 12: %v", err)
	}

	before := s.Snapshot().Wallet
	_, err := s.PurchaseUpgrade("Processor")
	if !stderrors.Is(err, errors.ErrDailyCapExceeded) {
		t.Fatalf("13th purchase error = %v, want ErrDailyCapExceeded", err)
	}
	if errors.KindOf(err) != errors.KindDailyCapExceeded {
		t.Errorf("KindOf() = %q", errors.KindOf(err))
	}
	if !s.Snapshot().Wallet.Credits.Equal(before.Credits) {
		t.Error("failed purchase charged credits")
	}

	rep := s.Step(clk.Advance(24*time.Hour), time.Second)
	if !rep.Rollover {
		t.Fatal("day did not roll over")
	}
	if _, err := s.PurchaseUpgrade("Processor"); err != nil {
		t.Fatalf("purchase after rollover: %v", err)
	}
	if got := s.Snapshot().Account.Owned["Processor"]; got != 14 {
		t.Errorf("owned = %d, want 14", got)
	}
}

func TestPurchaseErrors(t *testing.T) {
	s, _ := newTestSession(t, quietParams())
	tests := []struct {
		tier string
		want error
	}{
		{"Foundry Core", errors.ErrInsufficientFunds},
		{"Toaster", errors.ErrUnknownTier},
	}
	for _, tt := range tests {
		if _, err := s.PurchaseUpgrade(tt.tier); !stderrors.Is(err, tt.want) {
			t.Errorf("PurchaseUpgrade(%q) error = %v, want %v", tt.tier, err, tt.want)
		}
	}
}

func TestSubmitTrade(t *testing.T) {
	s, _ := newTestSession(t, quietParams())
	q := s.Quote()

	tr, err := s.SubmitTrade(TradeRequest{Side: market.SideBuy, Amount: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("buy error = %v", err)
	}
	if !q.Admits(market.SideBuy, tr.UnitPrice.InexactFloat64(), 1e-6) {
		t.Errorf("unit price %s not at ask %v", tr.UnitPrice, q.Ask)
	}
	snap := s.Snapshot()
	wantCredits := decimal.NewFromInt(100).Sub(tr.PriceCredits)
	if !snap.Wallet.Credits.Equal(wantCredits) || !snap.Wallet.Chain.Equal(decimal.NewFromInt(1)) {
		t.Errorf("wallet = %+v", snap.Wallet)
	}
	if snap.LedgerSeq != 1 || snap.NetFlow != 1 {
		t.Errorf("ledger seq %d netflow %v", snap.LedgerSeq, snap.NetFlow)
	}

	rejects := []struct {
		name string
		req  TradeRequest
		want error
	}{
		{"sell more than held", TradeRequest{Side: market.SideSell, Amount: decimal.NewFromInt(5)}, errors.ErrInsufficientFunds},
		{"odd size", TradeRequest{Side: market.SideBuy, Amount: decimal.NewFromInt(3)}, errors.ErrInvalidAmount},
		{"unknown link", TradeRequest{Side: market.SideSell, Amount: decimal.NewFromInt(1), LinkID: "L00-AAAAAA-0"}, errors.ErrUnknownLink},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			before := s.Snapshot()
			if _, err := s.SubmitTrade(tt.req); !stderrors.Is(err, tt.want) {
				t.Fatalf("SubmitTrade() error = %v, want %v", err, tt.want)
			}
			after := s.Snapshot()
			if !after.Wallet.Credits.Equal(before.Wallet.Credits) || !after.Wallet.Chain.Equal(before.Wallet.Chain) ||
				after.LedgerSeq != before.LedgerSeq {
				t.Error("rejected trade changed state")
			}
		})
	}
}

func TestTradeMintedLink(t *testing.T) {
	s, clk := newTestSession(t, quietParams())
	injectJob(s, "JL", 2)
	if _, err := s.SelectJob("JL"); err != nil {
		t.Fatal(err)
	}
	rep := runUntilMinted(t, s, clk, time.Second)
	id := rep.Minted.ID.String()

	if _, err := s.SubmitTrade(TradeRequest{Side: market.SideBuy, Amount: decimal.NewFromInt(1), LinkID: id}); !stderrors.Is(err, errors.ErrUnknownLink) {
		t.Fatalf("buying own link error = %v", err)
	}
	if _, err := s.SubmitTrade(TradeRequest{Side: market.SideBuy, Amount: decimal.NewFromInt(1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SubmitTrade(TradeRequest{Side: market.SideSell, Amount: decimal.NewFromInt(1), LinkID: id}); err != nil {
		t.Fatalf("selling link error = %v", err)
	}

	hist, err := s.History(id)
	if err != nil || len(hist) != 1 || hist[0].Buyer != ledger.Exchange {
		t.Errorf("History() = %+v, %v", hist, err)
	}
	if link, _ := s.Link(id); link.Owner != ledger.Exchange {
		t.Errorf("owner = %q", link.Owner)
	}
	if _, err := s.History("L00-AAAAAA-0"); !stderrors.Is(err, errors.ErrUnknownLink) {
		t.Errorf("History(unknown) error = %v", err)
	}
}

func TestRentalAndUpkeep(t *testing.T) {
	p := quietParams()
	p.Bank.StartCredits = 10_000
	s, clk := newTestSession(t, p)

	if _, err := s.PurchaseUpgrade("Rack"); err != nil {
		t.Fatal(err)
	}
	res, err := s.ToggleRental("Server", upgrade.Terms{Units: 2, Duration: time.Minute, CostPerSec: 0.5})
	if err != nil || !res.Active {
		t.Fatalf("ToggleRental() = %+v, %v", res, err)
	}
	if got := s.Snapshot().Rate; got != 1+18+8 {
		t.Errorf("rate with rental = %v, want 27", got)
	}

	before := s.Snapshot().Wallet.Credits
	rep := s.Step(clk.Advance(10*time.Second), 10*time.Second)
	// rack upkeep 0.05/s plus rental 0.5/s for ten seconds
	if !rep.Charged.Equal(decimal.RequireFromString("5.5")) {
		t.Errorf("charged = %s, want 5.5", rep.Charged)
	}
	if got := s.Snapshot().Wallet.Credits; !got.Equal(before.Sub(rep.Charged)) {
		t.Errorf("credits = %s", got)
	}

	rep = s.Step(clk.Advance(time.Minute), time.Second)
	if len(rep.EndedRentals) != 1 {
		t.Errorf("ended rentals = %v", rep.EndedRentals)
	}
	if got := s.Snapshot().Rate; got != 19 {
		t.Errorf("rate after expiry = %v, want 19", got)
	}

	if _, err := s.ToggleRental("Server", upgrade.Terms{}); !stderrors.Is(err, errors.ErrInvalidAmount) {
		t.Errorf("ToggleRental(empty terms) error = %v", err)
	}
}

func TestRentalCancelledWhenBroke(t *testing.T) {
	p := quietParams()
	p.Bank.StartCredits = 1
	s, clk := newTestSession(t, p)

	if _, err := s.ToggleRental("Lab", upgrade.Terms{Units: 1, Duration: time.Hour, CostPerSec: 1}); err != nil {
		t.Fatal(err)
	}
	s.Step(clk.Advance(5*time.Second), 5*time.Second)

	snap := s.Snapshot()
	if !snap.Wallet.Credits.IsZero() {
		t.Errorf("credits = %s, want 0", snap.Wallet.Credits)
	}
	if len(snap.Account.Rentals) != 0 {
		t.Errorf("rentals = %v, want none", snap.Account.Rentals)
	}
}

func TestSnapshotRestore(t *testing.T) {
	p := DefaultParams()
	p.Events.MajorProbability = 0.3
	p.Events.MinorProbability = 0.7
	s, clk := newTestSession(t, p)

	for i := range 3 {
		id := "JR" + string(rune('0'+i))
		injectJob(s, id, 1, 2)
		if _, err := s.SelectJob(id); err != nil {
			t.Fatal(err)
		}
		runUntilMinted(t, s, clk, time.Second)
	}
	if _, err := s.SubmitTrade(TradeRequest{Side: market.SideSell, Amount: decimal.NewFromInt(1)}); err == nil {
		t.Log("sold chain")
	}

	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	entries := s.Entries(0)

	clk2 := &fakeClock{now: clk.Now()}
	r, err := Restore(p, &snap, entries, testLogger(), WithClock(clk2.Now))
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if r.Snapshot().LedgerTip != s.Snapshot().LedgerTip || r.ID() != s.ID() {
		t.Fatal("restored session diverges")
	}

	for range 20 {
		a := s.Step(clk.Advance(time.Second), time.Second)
		b := r.Step(clk2.Advance(time.Second), time.Second)
		if a.Price != b.Price || a.Tick != b.Tick {
			t.Fatalf("tick %d: price %v vs %v", a.Tick, a.Price, b.Price)
		}
	}
}

func TestRestoreRejectsCorruption(t *testing.T) {
	s, clk := newTestSession(t, quietParams())
	injectJob(s, "JC", 1, 1)
	if _, err := s.SelectJob("JC"); err != nil {
		t.Fatal(err)
	}
	runUntilMinted(t, s, clk, time.Second)
	snap := s.Snapshot()

	tests := []struct {
		name    string
		entries func() []ledger.Entry
	}{
		{"tampered linklets", func() []ledger.Entry {
			es := s.Entries(0)
			l := *es[0].Link
			l.Linklets = []float64{1, 1.5}
			es[0].Link = &l
			return es
		}},
		{"missing entries", func() []ledger.Entry { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Restore(quietParams(), snap, tt.entries(), testLogger())
			if !stderrors.Is(err, errors.ErrLedgerCorruption) {
				t.Fatalf("Restore() error = %v, want ErrLedgerCorruption", err)
			}
		})
	}
}

func TestConcurrentCommands(t *testing.T) {
	p := quietParams()
	p.Bank.StartCredits = 5000
	s, clk := newTestSession(t, p)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Step(clk.Advance(100*time.Millisecond), 100*time.Millisecond)
			}
		}
	}()

	var cmds sync.WaitGroup
	for w := range 4 {
		cmds.Add(1)
		go func() {
			defer cmds.Done()
			for i := range 50 {
				switch (w + i) % 3 {
				case 0:
					_, _ = s.PurchaseUpgrade("Processor")
				case 1:
					_, _ = s.SubmitTrade(TradeRequest{Side: market.SideBuy, Amount: decimal.NewFromInt(1)})
				default:
					_, _ = s.SubmitTrade(TradeRequest{Side: market.SideSell, Amount: decimal.NewFromInt(1)})
				}
				snap := s.Snapshot()
				if snap.Wallet.Credits.IsNegative() || snap.Wallet.Chain.IsNegative() {
					t.Errorf("negative wallet %+v", snap.Wallet)
				}
			}
		}()
	}
	cmds.Wait()
	close(stop)
	wg.Wait()

	entries := s.Entries(0)
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Fatalf("entry %d seq %d", i, e.Seq)
		}
	}
	if _, err := ledger.Replay(entries, ledger.DefaultTolerance); err != nil {
		t.Errorf("Replay() error = %v", err)
	}
}

func TestRunFlushesAndSaves(t *testing.T) {
	p := quietParams()
	p.TickPeriod = time.Millisecond
	p.SaveEvery = 5
	p.Bank.StartCredits = 1000
	pub := &mockPublisher{}
	saver := &mockSaver{}
	s, _ := newTestSession(t, p, WithPublisher(pub), WithSaver(saver))

	for range 3 {
		if _, err := s.SubmitTrade(TradeRequest{Side: market.SideBuy, Amount: decimal.NewFromInt(1)}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	seqs := pub.seqs()
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Errorf("published seqs = %v", seqs)
	}
	saver.mu.Lock()
	defer saver.mu.Unlock()
	if saver.saves == 0 || saver.last == nil || saver.last.Tick != s.Snapshot().Tick {
		t.Errorf("saves = %d last = %+v", saver.saves, saver.last)
	}
}

func TestPoolCoveredAfterPurchases(t *testing.T) {
	p := quietParams()
	p.Bank.StartCredits = 10_000_000
	s, clk := newTestSession(t, p)

	for _, tier := range []string{"Server", "Rack", "Lab", "Supercomputer"} {
		for i := range 3 {
			if _, err := s.PurchaseUpgrade(tier); err != nil {
				t.Fatalf("purchase %s #%d: %v", tier, i+1, err)
			}
			if rate := s.rate(clk.Now()); !s.model.Covered(s.pool, rate) {
				t.Fatalf("pool lacks a fast or slow job after buying %s at rate %v", tier, rate)
			}
		}
	}

	// a pool that falls out of coverage between commands is repaired by the next tick
	s.mu.Lock()
	s.pool = s.pool[:0]
	for range p.Difficulty.PoolSize {
		s.pool = append(s.pool, s.model.Synthesize(s.rng, time.Minute*2, s.rate(clk.Now())))
	}
	s.mu.Unlock()
	s.Step(clk.Advance(time.Second), time.Second)
	if !s.model.Covered(s.pool, s.rate(clk.Now())) {
		t.Error("Step left the pool uncovered")
	}
}

func TestEventLandsInSameTick(t *testing.T) {
	p := quietParams()
	p.Events.MajorProbability = 1
	s, clk := newTestSession(t, p)
	injectJob(s, "JEV", 1, 2)
	if _, err := s.SelectJob("JEV"); err != nil {
		t.Fatal(err)
	}
	rep := runUntilMinted(t, s, clk, time.Second)

	if rep.Event == nil {
		t.Fatal("no event rolled with MajorProbability = 1")
	}
	var linked, recorded bool
	for _, e := range s.Entries(0) {
		switch {
		case e.Kind == ledger.KindLink && e.Tick == rep.Tick:
			linked = true
		case e.Kind == ledger.KindEvent && e.Event != nil && e.Event.ID == rep.Event.ID:
			recorded = true
			if e.Tick != rep.Tick {
				t.Errorf("event entry tick = %d, want %d", e.Tick, rep.Tick)
			}
		}
	}
	if !linked || !recorded {
		t.Fatalf("ledger for tick %d: link %v, event %v", rep.Tick, linked, recorded)
	}

	snap := s.Snapshot()
	if snap.Tick != rep.Tick {
		t.Fatalf("snapshot tick = %d, want %d", snap.Tick, rep.Tick)
	}
	if events.Cosmetic(rep.Event.Kind) {
		return
	}
	found := false
	for _, eff := range snap.Market.Effects {
		if eff.EventID == rep.Event.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("effects = %+v, want one for event %s", snap.Market.Effects, rep.Event.ID)
	}
}

func TestRejectedTradeKeepsRandomStream(t *testing.T) {
	s, _ := newTestSession(t, quietParams())
	before, err := s.pcg.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	credits := s.Snapshot().Wallet.Credits

	_, err = s.SubmitTrade(TradeRequest{Side: market.SideBuy, Amount: decimal.NewFromInt(1), LinkID: "missing"})
	if !stderrors.Is(err, errors.ErrUnknownLink) {
		t.Fatalf("SubmitTrade() error = %v, want ErrUnknownLink", err)
	}
	after, _ := s.pcg.MarshalBinary()
	if string(before) != string(after) {
		t.Error("rejected trade advanced the rng")
	}
	if !s.Snapshot().Wallet.Credits.Equal(credits) {
		t.Error("rejected trade charged credits")
	}
}
