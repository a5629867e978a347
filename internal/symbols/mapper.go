package symbols

import (
	"strings"
	"sync"
	"sync/atomic"

	"trade-replicator/internal/config"

	"go.uber.org/zap"
)

// unknownInstrument stands in for an empty source instrument so Map never returns "".
const unknownInstrument = "UNKNOWN"

// Snapshot is an immutable view of the mapping table.
type Snapshot struct {
	Version       uint64
	DefaultSuffix string
	table         map[string]string
	warned        *sync.Map
}

// Mapper translates source instruments to destination instruments.
// Lookups read the current snapshot without locking; Swap installs a new one.
type Mapper struct {
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewMapper creates a mapper from the startup configuration.
func NewMapper(cfg config.Symbols, logger *zap.Logger) *Mapper {
	m := &Mapper{logger: logger.Named("symbols")}
	m.Swap(cfg)
	return m
}

// Swap replaces the mapping table and returns the new version.
// Lookups already in progress finish against the previous snapshot.
func (m *Mapper) Swap(cfg config.Symbols) uint64 {
	table := make(map[string]string, len(cfg.Map))
	for src, dst := range cfg.Map {
		src = normalize(src)
		dst = strings.TrimSpace(dst)
		if src == "" || dst == "" {
			continue
		}
		table[strings.ToUpper(src)] = dst
	}

	snap := &Snapshot{
		Version:       m.version.Add(1),
		DefaultSuffix: cfg.DefaultSuffix,
		table:         table,
		warned:        &sync.Map{},
	}
	m.current.Store(snap)
	m.logger.Info("Symbol mapping installed",
		zap.Uint64("version", snap.Version),
		zap.Int("explicit", len(table)),
		zap.String("default_suffix", snap.DefaultSuffix),
	)
	return snap.Version
}

// Version returns the version of the active snapshot.
func (m *Mapper) Version() uint64 {
	return m.current.Load().Version
}

// Map returns the destination instrument for source. It never fails and never
// returns an empty string: instruments without an explicit entry fall back to
// the default suffix rule and are reported once per snapshot.
func (m *Mapper) Map(source string) string {
	snap := m.current.Load()

	sym := normalize(source)
	if sym == "" {
		sym = unknownInstrument
	}
	if dst, ok := snap.table[strings.ToUpper(sym)]; ok {
		return dst
	}

	out := sym
	if snap.DefaultSuffix != "" && !strings.HasSuffix(sym, snap.DefaultSuffix) {
		out = sym + snap.DefaultSuffix
	}

	if _, seen := snap.warned.LoadOrStore(sym, struct{}{}); !seen {
		m.logger.Warn("No explicit mapping for instrument, using suffix rule",
			zap.String("instrument", source),
			zap.String("mapped", out),
			zap.Uint64("version", snap.Version),
		)
	}
	return out
}

// normalize trims whitespace and drops an "EXCHANGE:" prefix.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
