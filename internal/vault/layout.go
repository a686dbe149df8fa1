package vault

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Slot is the fixed position of a persisted field.
type Slot uint32

// FieldSpec declares a persisted field and how it is read from and written to
// its record.
type FieldSpec[T any] struct {
	Name string
	Get  func(*T) string
	Set  func(*T, string) error
}

// Field is a FieldSpec placed at a slot by a generation.
type Field[T any] struct {
	FieldSpec[T]
	Slot       Slot
	Generation Version
}

type generationSpan struct {
	version Version
	start   Slot
	width   int
	gap     int
}

// Layout is an append-only slot table. Generation K's fields start
// immediately after generation K-1's reserved gap and earlier slots never move.
type Layout[T any] struct {
	name   string
	fields []Field[T]
	spans  []generationSpan
	byName map[string]int
}

// LayoutBuilder appends generations to a Layout. Errors are sticky and
// reported by Build.
type LayoutBuilder[T any] struct {
	layout Layout[T]
	next   Slot
	widest int
	err    error
}

// NewLayoutBuilder starts an empty layout.
func NewLayoutBuilder[T any](name string) *LayoutBuilder[T] {
	return &LayoutBuilder[T]{layout: Layout[T]{name: name, byName: map[string]int{}}}
}

// Generation appends the fields of version v followed by a reserved gap.
// Versions must be appended in order starting at V1 and each gap must hold
// at least twice the widest generation seen so far.
func (b *LayoutBuilder[T]) Generation(v Version, gap int, fields ...FieldSpec[T]) *LayoutBuilder[T] {
	if b.err != nil {
		return b
	}
	expected := Version(len(b.layout.spans) + 1)
	if v != expected {
		b.err = fmt.Errorf("%w: %s generation %d appended out of order, want %d", ErrLayoutViolation, b.layout.name, v, expected)
		return b
	}
	if len(fields) == 0 {
		b.err = fmt.Errorf("%w: %s generation %d declares no fields", ErrLayoutViolation, b.layout.name, v)
		return b
	}
	if len(fields) > b.widest {
		b.widest = len(fields)
	}
	if gap < 2*b.widest {
		b.err = fmt.Errorf("%w: %s generation %d gap %d below %d", ErrLayoutViolation, b.layout.name, v, gap, 2*b.widest)
		return b
	}
	span := generationSpan{version: v, start: b.next, width: len(fields), gap: gap}
	for i, spec := range fields {
		if spec.Name == "" || spec.Get == nil || spec.Set == nil {
			b.err = fmt.Errorf("%w: %s generation %d field %d incomplete", ErrLayoutViolation, b.layout.name, v, i)
			return b
		}
		if _, dup := b.layout.byName[spec.Name]; dup {
			b.err = fmt.Errorf("%w: %s field %q declared twice", ErrLayoutViolation, b.layout.name, spec.Name)
			return b
		}
		b.layout.byName[spec.Name] = len(b.layout.fields)
		b.layout.fields = append(b.layout.fields, Field[T]{
			FieldSpec:  spec,
			Slot:       b.next,
			Generation: v,
		})
		b.next++
	}
	b.next += Slot(gap)
	b.layout.spans = append(b.layout.spans, span)
	return b
}

// Build returns the finished layout or the first builder error.
func (b *LayoutBuilder[T]) Build() (*Layout[T], error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.layout.spans) == 0 {
		return nil, fmt.Errorf("%w: %s layout is empty", ErrLayoutViolation, b.layout.name)
	}
	out := b.layout
	out.fields = append([]Field[T](nil), b.layout.fields...)
	out.spans = append([]generationSpan(nil), b.layout.spans...)
	out.byName = make(map[string]int, len(b.layout.byName))
	for k, v := range b.layout.byName {
		out.byName[k] = v
	}
	return &out, nil
}

// Version is the newest generation described by the layout.
func (l *Layout[T]) Version() Version {
	return l.spans[len(l.spans)-1].version
}

// Fields returns the fields in slot order.
func (l *Layout[T]) Fields() []Field[T] {
	return append([]Field[T](nil), l.fields...)
}

// Field resolves a field by name.
func (l *Layout[T]) Field(name string) (Field[T], bool) {
	idx, ok := l.byName[name]
	if !ok {
		return Field[T]{}, false
	}
	return l.fields[idx], true
}

// FieldAt resolves a field by slot.
func (l *Layout[T]) FieldAt(slot Slot) (Field[T], bool) {
	i := sort.Search(len(l.fields), func(i int) bool { return l.fields[i].Slot >= slot })
	if i < len(l.fields) && l.fields[i].Slot == slot {
		return l.fields[i], true
	}
	return Field[T]{}, false
}

// Reserved returns the first and last reserved gap slot for generation v.
func (l *Layout[T]) Reserved(v Version) (Slot, Slot, bool) {
	for _, span := range l.spans {
		if span.version == v {
			first := span.start + Slot(span.width)
			return first, first + Slot(span.gap) - 1, true
		}
	}
	return 0, 0, false
}

// Extends reports whether every field of older keeps its name, slot and
// generation here, and older's gaps are only consumed by newer generations.
func (l *Layout[T]) Extends(older *Layout[T]) error {
	if older == nil {
		return nil
	}
	if len(older.spans) > len(l.spans) {
		return fmt.Errorf("%w: %s layout v%d cannot extend v%d", ErrLayoutViolation, l.name, l.Version(), older.Version())
	}
	for i, span := range older.spans {
		if l.spans[i] != span {
			return fmt.Errorf("%w: %s generation %d moved", ErrLayoutViolation, l.name, span.version)
		}
	}
	for _, f := range older.fields {
		mine, ok := l.Field(f.Name)
		if !ok {
			return fmt.Errorf("%w: %s field %q dropped", ErrLayoutViolation, l.name, f.Name)
		}
		if mine.Slot != f.Slot || mine.Generation != f.Generation {
			return fmt.Errorf("%w: %s field %q moved from slot %d to %d", ErrLayoutViolation, l.name, f.Name, f.Slot, mine.Slot)
		}
	}
	return nil
}

// Encode renders every field up to and including generation upTo.
func (l *Layout[T]) Encode(record *T, upTo Version) map[Slot]string {
	out := make(map[Slot]string, len(l.fields))
	for _, f := range l.fields {
		if f.Generation > upTo {
			continue
		}
		out[f.Slot] = f.Get(record)
	}
	return out
}

// Decode rebuilds a record from slot values. Unknown slots are rejected;
// missing slots stay at their zero value.
func (l *Layout[T]) Decode(values map[Slot]string) (T, error) {
	var record T
	slots := make([]Slot, 0, len(values))
	for slot := range values {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	for _, slot := range slots {
		f, ok := l.FieldAt(slot)
		if !ok {
			return record, fmt.Errorf("%w: %s slot %d is not declared", ErrLayoutViolation, l.name, slot)
		}
		if err := f.Set(&record, values[slot]); err != nil {
			return record, fmt.Errorf("%s field %q: %w", l.name, f.Name, err)
		}
	}
	return record, nil
}

// CheckWrite rejects a record that carries data in fields introduced after
// schema.
func (l *Layout[T]) CheckWrite(record *T, schema Version) error {
	var zero T
	for _, f := range l.fields {
		if f.Generation <= schema {
			continue
		}
		if f.Get(record) != f.Get(&zero) {
			return fmt.Errorf("%w: %s field %q belongs to generation %d, schema is %d", ErrLayoutViolation, l.name, f.Name, f.Generation, schema)
		}
	}
	return nil
}

const (
	globalsGap = 16
	accountGap = 8
)

var globalsGenerations = [][]FieldSpec[Globals]{
	V1 - 1: {
		{Name: "schema_version", Get: func(g *Globals) string { return encodeVersion(g.SchemaVersion) }, Set: func(g *Globals, s string) error { return decodeVersion(s, &g.SchemaVersion) }},
		{Name: "logic_version", Get: func(g *Globals) string { return encodeVersion(g.LogicVersion) }, Set: func(g *Globals, s string) error { return decodeVersion(s, &g.LogicVersion) }},
		{Name: "asset", Get: func(g *Globals) string { return g.Asset }, Set: func(g *Globals, s string) error { g.Asset = s; return nil }},
		{Name: "total_deposits", Get: func(g *Globals) string { return g.TotalDeposits.String() }, Set: func(g *Globals, s string) error { return decodeAmount(s, &g.TotalDeposits) }},
		{Name: "initial_yield_rate_bps", Get: func(g *Globals) string { return encodeUint32(g.InitialYieldRateBps) }, Set: func(g *Globals, s string) error { return decodeUint32(s, &g.InitialYieldRateBps) }},
	},
	V2 - 1: {
		{Name: "yield_rate_bps", Get: func(g *Globals) string { return encodeUint32(g.YieldRateBps) }, Set: func(g *Globals, s string) error { return decodeUint32(s, &g.YieldRateBps) }},
		{Name: "deposits_paused", Get: func(g *Globals) string { return strconv.FormatBool(g.DepositsPaused) }, Set: func(g *Globals, s string) error { return decodeBool(s, &g.DepositsPaused) }},
	},
	V3 - 1: {
		{Name: "withdrawal_delay", Get: func(g *Globals) string { return encodeDuration(g.WithdrawalDelay) }, Set: func(g *Globals, s string) error { return decodeDuration(s, &g.WithdrawalDelay) }},
	},
}

var accountGenerations = [][]FieldSpec[Account]{
	V1 - 1: {
		{Name: "balance", Get: func(a *Account) string { return a.Balance.String() }, Set: func(a *Account, s string) error { return decodeAmount(s, &a.Balance) }},
	},
	V2 - 1: {
		{Name: "last_accrual_at", Get: func(a *Account) string { return encodeTime(a.LastAccrualAt) }, Set: func(a *Account, s string) error { return decodeTime(s, &a.LastAccrualAt) }},
	},
	V3 - 1: {
		{Name: "pending_amount", Get: func(a *Account) string {
			if a.Pending == nil {
				return ""
			}
			return a.Pending.Amount.String()
		}, Set: func(a *Account, s string) error {
			if s == "" {
				return nil
			}
			if a.Pending == nil {
				a.Pending = &WithdrawalRequest{}
			}
			return decodeAmount(s, &a.Pending.Amount)
		}},
		{Name: "pending_requested_at", Get: func(a *Account) string {
			if a.Pending == nil {
				return ""
			}
			return encodeTime(a.Pending.RequestedAt)
		}, Set: func(a *Account, s string) error {
			if s == "" {
				return nil
			}
			if a.Pending == nil {
				a.Pending = &WithdrawalRequest{}
			}
			return decodeTime(s, &a.Pending.RequestedAt)
		}},
	},
}

// GlobalsLayout returns the instance-wide slot table for generations up to v.
func GlobalsLayout(v Version) (*Layout[Globals], error) {
	return buildLayout("globals", v, globalsGap, globalsGenerations)
}

// AccountLayout returns the per-account slot table for generations up to v.
func AccountLayout(v Version) (*Layout[Account], error) {
	return buildLayout("account", v, accountGap, accountGenerations)
}

func buildLayout[T any](name string, v Version, gap int, generations [][]FieldSpec[T]) (*Layout[T], error) {
	if v < V1 || int(v) > len(generations) {
		return nil, fmt.Errorf("%w: no %s layout for version %d", ErrUnsupported, name, v)
	}
	b := NewLayoutBuilder[T](name)
	for i := 0; i < int(v); i++ {
		b.Generation(Version(i+1), gap, generations[i]...)
	}
	return b.Build()
}

func encodeVersion(v Version) string { return strconv.FormatUint(uint64(v), 10) }

func decodeVersion(s string, dst *Version) error {
	if s == "" {
		*dst = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	*dst = Version(n)
	return nil
}

func encodeUint32(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

func decodeUint32(s string, dst *uint32) error {
	if s == "" {
		*dst = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	*dst = uint32(n)
	return nil
}

func decodeBool(s string, dst *bool) error {
	if s == "" {
		*dst = false
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func decodeAmount(s string, dst *Amount) error {
	if s == "" {
		*dst = Amount{}
		return nil
	}
	return dst.UnmarshalText([]byte(s))
}

// Durations persist as whole seconds.
func encodeDuration(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}

func decodeDuration(s string, dst *time.Duration) error {
	if s == "" {
		*dst = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string, dst *time.Time) error {
	if s == "" {
		*dst = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*dst = t
	return nil
}
