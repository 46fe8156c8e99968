// Package instruments resolves (symbol, exchange) pairs to broker security
// identifiers using a broker-published master list cached on disk.
package instruments

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"broker-core/pkg/exchanges/common"
	"broker-core/pkg/logger"
)

// Table origins reported by Stats.
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
)

// RefreshError reports a failed master-list refresh. The previous table, if
// any, is still in use.
type RefreshError struct {
	Broker string
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s instruments: %v", e.Broker, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool { return target == common.ErrRefresh }

// Stats describes the table currently in use.
type Stats struct {
	Count    int       `json:"count"`
	LoadedAt time.Time `json:"loaded_at"`
	Source   string    `json:"source"`
}

type table struct {
	byKey    map[string]common.Instrument
	byID     map[string]common.Instrument
	count    int
	loadedAt time.Time
	source   string
}

// Options configures a Resolver.
type Options struct {
	CacheDir string
	// MaxAge ignores cache files older than this. Zero accepts any age.
	MaxAge time.Duration
	Logger *logger.Log
	// OnRefresh is called after every successful network refresh.
	OnRefresh func(Stats)
	// RetryCooldown stops lookups from refetching the master list this
	// soon after a failed fetch. Defaults to 30s. Refresh ignores it.
	RetryCooldown time.Duration
}

const defaultRetryCooldown = 30 * time.Second

// Resolver holds one broker's instrument table. Lookups never lock; a
// refresh builds a complete new table and swaps it in a single store.
type Resolver struct {
	source    Source
	schema    Schema
	cacheDir  string
	maxAge    time.Duration
	log       *logger.Entry
	onRefresh func(Stats)
	cooldown  time.Duration

	tbl      atomic.Pointer[table]
	mu       sync.Mutex // serializes Load and Refresh
	failedAt time.Time  // last failed fetch, guarded by mu
}

// NewResolver creates a resolver. Nothing is loaded until the first lookup
// or an explicit Load/Refresh.
func NewResolver(src Source, schema Schema, opts Options) *Resolver {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	dir := opts.CacheDir
	if dir == "" {
		dir = ".cache"
	}
	cooldown := opts.RetryCooldown
	if cooldown <= 0 {
		cooldown = defaultRetryCooldown
	}
	return &Resolver{
		source:    src,
		schema:    schema,
		cacheDir:  dir,
		maxAge:    opts.MaxAge,
		onRefresh: opts.OnRefresh,
		cooldown:  cooldown,
		log:       log.WithComponent("instruments").WithField("broker", schema.Broker),
	}
}

// CachePath is where the last fetched master list is kept.
func (r *Resolver) CachePath() string {
	return filepath.Join(r.cacheDir, r.schema.Broker+"_master_contract.csv")
}

// Refresh downloads and installs a new table, then persists it. On failure
// the previous table stays in place.
func (r *Resolver) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked(ctx)
}

// Load installs the table from the cache file.
func (r *Resolver) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Resolver) refreshLocked(ctx context.Context) error {
	err := r.fetchLocked(ctx)
	if err != nil {
		r.failedAt = time.Now()
	} else {
		r.failedAt = time.Time{}
	}
	return err
}

func (r *Resolver) fetchLocked(ctx context.Context) error {
	started := time.Now()
	rc, err := r.source.Fetch(ctx)
	if err != nil {
		return &RefreshError{Broker: r.schema.Broker, Err: err}
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return &RefreshError{Broker: r.schema.Broker, Err: fmt.Errorf("read master list: %w", err)}
	}

	t, err := parse(data, r.schema)
	if err != nil {
		return &RefreshError{Broker: r.schema.Broker, Err: err}
	}
	t.loadedAt = time.Now()
	t.source = SourceNetwork
	r.tbl.Store(t)

	if err := r.persist(data); err != nil {
		r.log.WithError(err).Warn("instrument cache not written")
	}
	r.log.WithField("count", t.count).Info("instrument master refreshed")
	r.log.LogPerformance("refresh", started)
	if r.onRefresh != nil {
		r.onRefresh(Stats{Count: t.count, LoadedAt: t.loadedAt, Source: t.source})
	}
	return nil
}

func (r *Resolver) loadLocked() error {
	path := r.CachePath()
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("instrument cache: %w", err)
	}
	if r.maxAge > 0 && time.Since(info.ModTime()) > r.maxAge {
		return fmt.Errorf("instrument cache %s is older than %s", path, r.maxAge)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("instrument cache: %w", err)
	}
	t, err := parse(data, r.schema)
	if err != nil {
		return fmt.Errorf("instrument cache %s: %w", path, err)
	}
	t.loadedAt = info.ModTime()
	t.source = SourceCache
	r.tbl.Store(t)
	r.log.WithFields(logger.Fields{"count": t.count, "path": path}).Info("instrument master loaded from cache")
	return nil
}

// persist writes through a temp file in the same directory so readers of
// the cache path never see a partial file.
func (r *Resolver) persist(data []byte) error {
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.cacheDir, r.schema.Broker+"_master_*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, r.CachePath()); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// ensure installs a table on first use: the cache file if usable, else a
// network refresh. After a failed fetch, lookups miss without refetching
// until the cooldown passes.
func (r *Resolver) ensure(ctx context.Context) *table {
	if t := r.tbl.Load(); t != nil {
		return t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.tbl.Load(); t != nil {
		return t
	}
	if err := r.loadLocked(); err != nil {
		if !r.failedAt.IsZero() && time.Since(r.failedAt) < r.cooldown {
			return nil
		}
		r.log.WithError(err).Debug("no usable instrument cache, fetching")
		if err := r.refreshLocked(ctx); err != nil {
			r.log.WithError(err).Warn("instrument master unavailable")
			return nil
		}
	}
	return r.tbl.Load()
}

// Resolve finds an instrument by symbol (case-insensitive) on exchange. A
// cash venue falls back to its derivatives exchange, so NSE finds an NFO
// contract; the reverse never happens. A miss is reported with false, never
// an error.
func (r *Resolver) Resolve(ctx context.Context, symbol string, exchange common.Exchange) (common.Instrument, bool) {
	if strings.TrimSpace(symbol) == "" {
		return common.Instrument{}, false
	}
	t := r.ensure(ctx)
	if t == nil {
		return common.Instrument{}, false
	}
	if inst, ok := t.byKey[common.InstrumentKey(symbol, exchange)]; ok {
		return inst, true
	}
	if deriv := exchange.Derivatives(); deriv != "" {
		inst, ok := t.byKey[common.InstrumentKey(symbol, deriv)]
		return inst, ok
	}
	return common.Instrument{}, false
}

// LookupSecurityID is the reverse lookup used to attribute stream events.
func (r *Resolver) LookupSecurityID(segment common.MarketSegment, securityID string) (common.Instrument, bool) {
	t := r.tbl.Load()
	if t == nil {
		return common.Instrument{}, false
	}
	inst, ok := t.byID[idKey(segment, securityID)]
	return inst, ok
}

// Stats reports the current table; zero value when none is loaded.
func (r *Resolver) Stats() Stats {
	t := r.tbl.Load()
	if t == nil {
		return Stats{}
	}
	return Stats{Count: t.count, LoadedAt: t.loadedAt, Source: t.source}
}

// Start refreshes the table every interval until ctx is done. Failures are
// logged and the previous table kept.
func (r *Resolver) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
					r.log.WithError(err).Warn("scheduled instrument refresh failed")
				}
			}
		}
	}()
}

func idKey(m common.MarketSegment, id string) string {
	return m.String() + "|" + strings.TrimSpace(id)
}

func parse(data []byte, s Schema) (*table, error) {
	rd := csv.NewReader(bytes.NewReader(data))
	rd.FieldsPerRecord = -1
	rd.LazyQuotes = true
	rd.ReuseRecord = true

	header, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, need := range []string{s.Exchange, s.SecurityID, s.Symbol} {
		if _, ok := cols[need]; !ok {
			return nil, fmt.Errorf("master list missing column %q", need)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || name == "" || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	t := &table{
		byKey: make(map[string]common.Instrument),
		byID:  make(map[string]common.Instrument),
	}
	var aliases []common.Instrument
	var aliasNames []string

	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		exch, err := common.ParseExchange(field(rec, s.Exchange))
		if err != nil {
			continue
		}
		symbol := field(rec, s.Symbol)
		id := field(rec, s.SecurityID)
		if symbol == "" || id == "" {
			continue
		}
		segCode := field(rec, s.Segment)
		if s.DerivativeSegments[segCode] {
			switch exch {
			case common.ExchangeNSE:
				exch = common.ExchangeNFO
			case common.ExchangeBSE:
				exch = common.ExchangeBFO
			}
		}

		inst := common.Instrument{
			Symbol:         symbol,
			Exchange:       exch,
			SecurityID:     id,
			InstrumentType: field(rec, s.InstrumentType),
			OptionType:     field(rec, s.OptionType),
		}
		if v := field(rec, s.Expiry); v != "" {
			for _, layout := range s.ExpiryLayouts {
				if ts, err := time.Parse(layout, v); err == nil {
					inst.Expiry = &ts
					break
				}
			}
		}
		if v, err := strconv.ParseFloat(field(rec, s.Strike), 64); err == nil && v > 0 {
			inst.Strike = &v
		}
		if v, err := strconv.ParseFloat(field(rec, s.LotSize), 64); err == nil {
			inst.LotSize = int(v)
		}
		if v, err := strconv.ParseFloat(field(rec, s.TickSize), 64); err == nil {
			inst.TickSize = v
		}
		inst.Segment = Classify(inst)
		if s.IndexSegments[segCode] {
			inst.Segment = common.SegmentIndex
		}

		key := inst.Key()
		if _, dup := t.byKey[key]; !dup {
			t.byKey[key] = inst
		}
		idk := idKey(inst.MarketSegment(), id)
		if _, dup := t.byID[idk]; !dup {
			t.byID[idk] = inst
		}
		t.count++

		if inst.Segment == common.SegmentIndex {
			if custom := field(rec, s.CustomSymbol); custom != "" {
				aliases = append(aliases, inst)
				aliasNames = append(aliasNames, custom)
			}
		}
	}

	// Aliases never shadow a trading symbol.
	for i, inst := range aliases {
		key := common.InstrumentKey(aliasNames[i], inst.Exchange)
		if _, taken := t.byKey[key]; !taken {
			t.byKey[key] = inst
		}
	}

	if t.count == 0 {
		return nil, errors.New("master list has no usable rows")
	}
	return t, nil
}
