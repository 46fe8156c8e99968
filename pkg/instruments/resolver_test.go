package instruments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-core/pkg/exchanges/common"
)

const masterCSV = `SEM_EXM_EXCH_ID,SEM_SEGMENT,SEM_SMST_SECURITY_ID,SEM_INSTRUMENT_NAME,SEM_TRADING_SYMBOL,SEM_CUSTOM_SYMBOL,SEM_EXPIRY_DATE,SEM_STRIKE_PRICE,SEM_OPTION_TYPE,SEM_LOT_UNITS,SEM_TICK_SIZE
NSE,E,2885,EQUITY,RELIANCE,Reliance Industries,,,,1.0,0.05
NSE,I,256265,INDEX,NIFTY,NIFTY 50,,,,1.0,0.05
NSE,D,35001,FUTIDX,NIFTY-Oct2026-FUT,NIFTY OCT FUT,2026-10-29 14:30:00,-0.01000,XX,75.0,0.05
NSE,D,40110,OPTIDX,NIFTY-Oct2026-25000-CE,NIFTY 29 OCT 25000 CALL,2026-10-29 14:30:00,25000.00000,CE,75.0,0.05
BSE,E,500325,EQUITY,RELIANCE,Reliance Industries,,,,1.0,0.05
MCX,M,430106,FUTCOM,CRUDEOIL-Nov2026-FUT,CRUDEOIL NOV FUT,2026-11-19 23:59:00,,XX,100.0,1.0
NCDEX,M,1,FUTCOM,IGNORED,IGNORED,,,,1.0,1.0
`

type fakeSource struct {
	mu    sync.Mutex
	body  string
	err   error
	calls int
	// bodies, when set, are served in turn instead of body.
	bodies []string
}

func (f *fakeSource) Broker() string { return "dhan" }

func (f *fakeSource) Fetch(ctx context.Context) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.bodies) > 0 {
		return io.NopCloser(strings.NewReader(f.bodies[(f.calls-1)%len(f.bodies)])), nil
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestResolver(t *testing.T, src Source) (*Resolver, string) {
	t.Helper()
	dir := t.TempDir()
	return NewResolver(src, DhanSchema, Options{CacheDir: dir}), dir
}

func TestResolveImplicitRefresh(t *testing.T) {
	src := &fakeSource{body: masterCSV}
	r, dir := newTestResolver(t, src)
	ctx := context.Background()

	inst, ok := r.Resolve(ctx, "RELIANCE", common.ExchangeNSE)
	require.True(t, ok)
	assert.Equal(t, "2885", inst.SecurityID)
	assert.Equal(t, common.SegmentEquity, inst.Segment)
	assert.Equal(t, 1, src.callCount())

	// Persisted, and no temp files left behind.
	_, err := os.Stat(filepath.Join(dir, "dhan_master_contract.csv"))
	require.NoError(t, err)
	tmps, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, tmps)

	// Second lookup is served from memory.
	_, ok = r.Resolve(ctx, "RELIANCE", common.ExchangeNSE)
	require.True(t, ok)
	assert.Equal(t, 1, src.callCount())
	assert.Equal(t, SourceNetwork, r.Stats().Source)
}

func TestResolveFromCacheOnFreshInstance(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dhan_master_contract.csv"), []byte(masterCSV), 0o644))

	src := &fakeSource{err: errors.New("offline")}
	r := NewResolver(src, DhanSchema, Options{CacheDir: dir})

	inst, ok := r.Resolve(context.Background(), "NIFTY 50", common.ExchangeNSE)
	require.True(t, ok)
	assert.Equal(t, "256265", inst.SecurityID)
	assert.Equal(t, common.SegmentIndex, inst.Segment)
	assert.Equal(t, 0, src.callCount())

	stats := r.Stats()
	assert.Equal(t, SourceCache, stats.Source)
	assert.Equal(t, 6, stats.Count)
}

func TestResolveRules(t *testing.T) {
	r, _ := newTestResolver(t, &fakeSource{body: masterCSV})
	ctx := context.Background()

	tests := []struct {
		name     string
		symbol   string
		exchange common.Exchange
		wantID   string
		wantSeg  common.Segment
		found    bool
	}{
		{"lower case symbol", "reliance", common.ExchangeNSE, "2885", common.SegmentEquity, true},
		{"exchange filters", "RELIANCE", common.ExchangeBSE, "500325", common.SegmentEquity, true},
		{"index trading symbol", "NIFTY", common.ExchangeNSE, "256265", common.SegmentIndex, true},
		{"future via NFO", "NIFTY-Oct2026-FUT", common.ExchangeNFO, "35001", common.SegmentDerivatives, true},
		{"cash venue falls back to derivatives", "NIFTY-Oct2026-FUT", common.ExchangeNSE, "35001", common.SegmentDerivatives, true},
		{"cash equity not on NFO", "RELIANCE", common.ExchangeNFO, "", "", false},
		{"cash equity not on BFO", "RELIANCE", common.ExchangeBFO, "", "", false},
		{"index not on NFO", "NIFTY 50", common.ExchangeNFO, "", "", false},
		{"commodity", "CRUDEOIL-Nov2026-FUT", common.ExchangeMCX, "430106", common.SegmentCommodity, true},
		{"unknown symbol", "NOPE", common.ExchangeNSE, "", "", false},
		{"wrong venue", "NIFTY", common.ExchangeBSE, "", "", false},
		{"empty symbol", "  ", common.ExchangeNSE, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, ok := r.Resolve(ctx, tt.symbol, tt.exchange)
			if ok != tt.found {
				t.Fatalf("found=%v want %v", ok, tt.found)
			}
			if !ok {
				return
			}
			assert.Equal(t, tt.wantID, inst.SecurityID)
			assert.Equal(t, tt.wantSeg, inst.Segment)
		})
	}
}

func TestCashAndDerivativeRowsShareSymbol(t *testing.T) {
	body := `SEM_EXM_EXCH_ID,SEM_SEGMENT,SEM_SMST_SECURITY_ID,SEM_INSTRUMENT_NAME,SEM_TRADING_SYMBOL,SEM_CUSTOM_SYMBOL,SEM_EXPIRY_DATE,SEM_STRIKE_PRICE,SEM_OPTION_TYPE,SEM_LOT_UNITS,SEM_TICK_SIZE
NSE,D,35001,FUTSTK,TATA,TATA FUT,2026-10-29 14:30:00,-0.01000,XX,550.0,0.05
NSE,E,3456,EQUITY,TATA,Tata Motors,,,,1.0,0.05
`
	r, _ := newTestResolver(t, &fakeSource{body: body})
	ctx := context.Background()

	cash, ok := r.Resolve(ctx, "TATA", common.ExchangeNSE)
	require.True(t, ok)
	assert.Equal(t, "3456", cash.SecurityID)
	assert.Equal(t, common.SegmentEquity, cash.Segment)

	fut, ok := r.Resolve(ctx, "TATA", common.ExchangeNFO)
	require.True(t, ok)
	assert.Equal(t, "35001", fut.SecurityID)
	assert.Equal(t, common.SegmentDerivatives, fut.Segment)
	assert.Equal(t, 2, r.Stats().Count)
}

func TestParsedFields(t *testing.T) {
	r, _ := newTestResolver(t, &fakeSource{body: masterCSV})
	inst, ok := r.Resolve(context.Background(), "NIFTY-Oct2026-25000-CE", common.ExchangeNFO)
	require.True(t, ok)
	require.NotNil(t, inst.Strike)
	assert.Equal(t, 25000.0, *inst.Strike)
	require.NotNil(t, inst.Expiry)
	assert.Equal(t, 2026, inst.Expiry.Year())
	assert.Equal(t, "CE", inst.OptionType)
	assert.Equal(t, 75, inst.LotSize)
	assert.Equal(t, common.ExchangeNFO, inst.Exchange)

	fut, ok := r.Resolve(context.Background(), "NIFTY-Oct2026-FUT", common.ExchangeNFO)
	require.True(t, ok)
	assert.Nil(t, fut.Strike)
}

func TestLookupSecurityID(t *testing.T) {
	r, _ := newTestResolver(t, &fakeSource{body: masterCSV})
	require.NoError(t, r.Refresh(context.Background()))

	inst, ok := r.LookupSecurityID(common.MarketSegment{Exchange: common.ExchangeNSE, Segment: common.SegmentIndex}, "256265")
	require.True(t, ok)
	assert.Equal(t, "NIFTY", inst.Symbol)

	_, ok = r.LookupSecurityID(common.MarketSegment{Exchange: common.ExchangeNSE, Segment: common.SegmentEquity}, "256265")
	assert.False(t, ok)
}

func TestRefreshFailureKeepsTable(t *testing.T) {
	src := &fakeSource{body: masterCSV}
	r, _ := newTestResolver(t, src)
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	src.setErr(errors.New("connection reset"))
	err := r.Refresh(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrRefresh)
	var re *RefreshError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "dhan", re.Broker)

	inst, ok := r.Resolve(ctx, "RELIANCE", common.ExchangeNSE)
	require.True(t, ok)
	assert.Equal(t, "2885", inst.SecurityID)
}

func TestRefreshRejectsMalformedList(t *testing.T) {
	src := &fakeSource{body: "foo,bar\n1,2\n"}
	r, dir := newTestResolver(t, src)

	err := r.Refresh(context.Background())
	assert.ErrorIs(t, err, common.ErrRefresh)
	_, ok := r.Resolve(context.Background(), "RELIANCE", common.ExchangeNSE)
	assert.False(t, ok)
	_, statErr := os.Stat(filepath.Join(dir, "dhan_master_contract.csv"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRefreshIdempotent(t *testing.T) {
	r, _ := newTestResolver(t, &fakeSource{body: masterCSV})
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))
	first := r.Stats().Count
	require.NoError(t, r.Refresh(ctx))
	assert.Equal(t, first, r.Stats().Count)
}

func TestStaleCacheIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dhan_master_contract.csv")
	require.NoError(t, os.WriteFile(path, []byte(masterCSV), 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	src := &fakeSource{body: masterCSV}
	r := NewResolver(src, DhanSchema, Options{CacheDir: dir, MaxAge: 24 * time.Hour})
	_, ok := r.Resolve(context.Background(), "RELIANCE", common.ExchangeNSE)
	require.True(t, ok)
	assert.Equal(t, 1, src.callCount())
	assert.Equal(t, SourceNetwork, r.Stats().Source)
}

func TestConcurrentResolveDuringRefresh(t *testing.T) {
	// The second list renumbers RELIANCE and adds TCS, so a reader seeing
	// parts of both tables would find a mismatched id, count or row.
	listB := strings.Replace(masterCSV, "NSE,E,2885,", "NSE,E,9999,", 1) +
		"NSE,E,11536,EQUITY,TCS,Tata Consultancy,,,,1.0,0.05\n"
	src := &fakeSource{bodies: []string{masterCSV, listB}}
	r, _ := newTestResolver(t, src)
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	want := map[string]struct {
		count int
		tcs   bool
	}{
		"2885": {count: 6, tcs: false},
		"9999": {count: 7, tcs: true},
	}

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				inst, ok := r.Resolve(ctx, "RELIANCE", common.ExchangeNSE)
				if !ok {
					errs <- "miss during refresh"
					return
				}
				if _, known := want[inst.SecurityID]; !known {
					errs <- "unexpected id " + inst.SecurityID
					return
				}
				if n := r.Stats().Count; n != 6 && n != 7 {
					errs <- "unexpected count"
					return
				}

				tbl := r.tbl.Load()
				rel := tbl.byKey[common.InstrumentKey("RELIANCE", common.ExchangeNSE)]
				_, tcs := tbl.byKey[common.InstrumentKey("TCS", common.ExchangeNSE)]
				w := want[rel.SecurityID]
				if tbl.count != w.count || tcs != w.tcs {
					errs <- "table mixes both lists"
					return
				}
			}
		}()
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, r.Refresh(ctx))
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
	assert.Equal(t, 7, src.callCount())
}

func TestLookupFailureCoolsDown(t *testing.T) {
	src := &fakeSource{err: errors.New("network is unreachable")}
	r, _ := newTestResolver(t, src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, ok := r.Resolve(ctx, "RELIANCE", common.ExchangeNSE)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, src.callCount(), "lookups inside the cooldown must not refetch")

	// An explicit refresh always tries.
	assert.ErrorIs(t, r.Refresh(ctx), common.ErrRefresh)
	assert.Equal(t, 2, src.callCount())

	src.setErr(nil)
	src.body = masterCSV
	require.NoError(t, r.Refresh(ctx))
	_, ok := r.Resolve(ctx, "RELIANCE", common.ExchangeNSE)
	assert.True(t, ok)
	assert.Equal(t, 3, src.callCount())
}

func TestLookupRetriesAfterCooldown(t *testing.T) {
	src := &fakeSource{err: errors.New("network is unreachable"), body: masterCSV}
	r := NewResolver(src, DhanSchema, Options{CacheDir: t.TempDir(), RetryCooldown: 20 * time.Millisecond})
	ctx := context.Background()

	_, ok := r.Resolve(ctx, "RELIANCE", common.ExchangeNSE)
	assert.False(t, ok)
	src.setErr(nil)
	_, ok = r.Resolve(ctx, "RELIANCE", common.ExchangeNSE)
	assert.False(t, ok)
	assert.Equal(t, 1, src.callCount())

	time.Sleep(30 * time.Millisecond)
	_, ok = r.Resolve(ctx, "RELIANCE", common.ExchangeNSE)
	assert.True(t, ok)
	assert.Equal(t, 2, src.callCount())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		inst common.Instrument
		want common.Segment
	}{
		{common.Instrument{Symbol: "INFY", Exchange: common.ExchangeNSE}, common.SegmentEquity},
		{common.Instrument{Symbol: "NIFTY 50", Exchange: common.ExchangeNSE}, common.SegmentIndex},
		{common.Instrument{Symbol: "NIFTY BANK", Exchange: common.ExchangeNSE}, common.SegmentIndex},
		{common.Instrument{Symbol: "BANKNIFTY", Exchange: common.ExchangeNSE}, common.SegmentIndex},
		{common.Instrument{Symbol: "NIFTY24OCT25000CE", Exchange: common.ExchangeNFO}, common.SegmentDerivatives},
		{common.Instrument{Symbol: "GOLD", Exchange: common.ExchangeMCX}, common.SegmentCommodity},
		{common.Instrument{Symbol: "USDINR", Exchange: common.ExchangeNSE, InstrumentType: "FUTCUR"}, common.SegmentCurrency},
		// Explicit type beats the digit heuristic.
		{common.Instrument{Symbol: "3MINDIA", Exchange: common.ExchangeNSE, InstrumentType: "EQUITY"}, common.SegmentEquity},
	}
	for _, tt := range tests {
		if got := Classify(tt.inst); got != tt.want {
			t.Fatalf("Classify(%s): got %s want %s", tt.inst.Symbol, got, tt.want)
		}
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, masterCSV)
	}))
	defer srv.Close()

	src := NewHTTPSource("dhan", srv.URL+"/master.csv", time.Second)
	r := NewResolver(src, DhanSchema, Options{CacheDir: t.TempDir()})
	_, ok := r.Resolve(context.Background(), "RELIANCE", common.ExchangeNSE)
	assert.True(t, ok)

	bad := NewHTTPSource("dhan", srv.URL+"/missing", time.Second)
	_, err := bad.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOnRefreshHook(t *testing.T) {
	var got []Stats
	r := NewResolver(&fakeSource{body: masterCSV}, DhanSchema, Options{
		CacheDir:  t.TempDir(),
		OnRefresh: func(s Stats) { got = append(got, s) },
	})

	require.NoError(t, r.Refresh(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, 6, got[0].Count)
	assert.Equal(t, SourceNetwork, got[0].Source)

	// Loading from cache is not a refresh.
	require.NoError(t, r.Load())
	assert.Len(t, got, 1)
}
