package aiflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotRecord is returned by Merge when the existing value is not a
	// map[string]any.
	ErrNotRecord = errors.New("value is not a record")

	// ErrNotNumber is returned by Increment and Decrement when the existing
	// value is not an integer.
	ErrNotNumber = errors.New("value is not an integer")
)

// Metadata identifies a workflow execution.
type Metadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
}

type snapshot struct {
	data      map[string]any
	sequences map[string][]any
	takenAt   time.Time
}

// WorkflowContext is the scratch memory shared by the steps of a single
// workflow execution. It holds keyed values, append-only keyed sequences
// and named checkpoints that can be rolled back to.
//
// A WorkflowContext is not safe for concurrent use. Steps of one execution
// run one at a time; fan-out branches return their results to the step
// instead of writing to the context.
type WorkflowContext struct {
	meta        Metadata
	data        map[string]any
	sequences   map[string][]any
	checkpoints map[string]snapshot
	now         func() time.Time
}

// NewWorkflowContext returns an empty context for the execution id of the
// named workflow.
func NewWorkflowContext(id, name string) *WorkflowContext {
	return newWorkflowContext(Metadata{ID: id, Name: name, StartTime: time.Now()})
}

func newWorkflowContext(meta Metadata) *WorkflowContext {
	return &WorkflowContext{
		meta:        meta,
		data:        map[string]any{},
		sequences:   map[string][]any{},
		checkpoints: map[string]snapshot{},
		now:         time.Now,
	}
}

// Metadata returns the execution's identity.
func (c *WorkflowContext) Metadata() Metadata {
	return c.meta
}

// ID returns the execution id.
func (c *WorkflowContext) ID() string {
	return c.meta.ID
}

// Set stores value under key, replacing any previous value. Values may
// contain cycles; checkpoints copy them faithfully, but Export fails on
// them. Floats inside structs export as plain JSON numbers and import as
// int when integral.
func (c *WorkflowContext) Set(key string, value any) {
	c.data[key] = value
}

// Get returns the value stored under key.
func (c *WorkflowContext) Get(key string) (any, bool) {
	v, ok := c.data[key]
	return v, ok
}

// Has reports whether key holds a value or a sequence.
func (c *WorkflowContext) Has(key string) bool {
	if _, ok := c.data[key]; ok {
		return true
	}
	_, ok := c.sequences[key]
	return ok
}

// GetOrDefault returns the value under key, or def when absent.
func (c *WorkflowContext) GetOrDefault(key string, def any) any {
	if v, ok := c.data[key]; ok {
		return v
	}
	return def
}

// Delete removes key from both the values and the sequences.
func (c *WorkflowContext) Delete(key string) bool {
	_, inData := c.data[key]
	_, inSeq := c.sequences[key]
	delete(c.data, key)
	delete(c.sequences, key)
	return inData || inSeq
}

// Append adds value to the sequence under key, creating it if needed.
func (c *WorkflowContext) Append(key string, value any) {
	c.sequences[key] = append(c.sequences[key], value)
}

// GetAll returns the sequence under key in insertion order. It never
// returns nil; an unknown key yields an empty slice.
func (c *WorkflowContext) GetAll(key string) []any {
	seq := c.sequences[key]
	out := make([]any, len(seq))
	copy(out, seq)
	return out
}

// Increment adds amount to the integer under key, treating a missing key
// as zero, and returns the new value.
func (c *WorkflowContext) Increment(key string, amount int) (int, error) {
	current := 0
	if v, ok := c.data[key]; ok {
		n, ok := toInt(v)
		if !ok {
			return 0, fmt.Errorf("increment %q: %w (got %T)", key, ErrNotNumber, v)
		}
		current = n
	}
	current += amount
	c.data[key] = current
	return current, nil
}

// Decrement subtracts amount from the integer under key.
func (c *WorkflowContext) Decrement(key string, amount int) (int, error) {
	return c.Increment(key, -amount)
}

// Merge shallow-merges partial into the record under key. A missing key is
// treated as an empty record; any other non-record value is an error.
func (c *WorkflowContext) Merge(key string, partial map[string]any) error {
	merged := map[string]any{}
	if v, ok := c.data[key]; ok {
		existing, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("merge %q: %w (got %T)", key, ErrNotRecord, v)
		}
		maps.Copy(merged, existing)
	}
	maps.Copy(merged, partial)
	c.data[key] = merged
	return nil
}

// Checkpoint captures an independent copy of all values and sequences
// under name, replacing any checkpoint with the same name.
func (c *WorkflowContext) Checkpoint(name string) {
	c.checkpoints[name] = snapshot{
		data:      cloneMap(c.data),
		sequences: cloneSequences(c.sequences),
		takenAt:   c.now(),
	}
}

// Rollback restores the state captured by the named checkpoint. The
// checkpoint stays intact and can be rolled back to again. It returns false
// and changes nothing when the checkpoint does not exist.
func (c *WorkflowContext) Rollback(name string) bool {
	snap, ok := c.checkpoints[name]
	if !ok {
		return false
	}
	c.data = cloneMap(snap.data)
	c.sequences = cloneSequences(snap.sequences)
	return true
}

// ListCheckpoints returns the checkpoint names in sorted order.
func (c *WorkflowContext) ListCheckpoints() []string {
	return slices.Sorted(maps.Keys(c.checkpoints))
}

// DeleteCheckpoint removes a checkpoint and reports whether it existed.
func (c *WorkflowContext) DeleteCheckpoint(name string) bool {
	_, ok := c.checkpoints[name]
	delete(c.checkpoints, name)
	return ok
}

// Keys returns every value and sequence key in sorted order.
func (c *WorkflowContext) Keys() []string {
	keys := make(map[string]struct{}, len(c.data)+len(c.sequences))
	for k := range c.data {
		keys[k] = struct{}{}
	}
	for k := range c.sequences {
		keys[k] = struct{}{}
	}
	return slices.Sorted(maps.Keys(keys))
}

// Len returns the number of distinct keys.
func (c *WorkflowContext) Len() int {
	return len(c.Keys())
}

// Clear drops all values, sequences and checkpoints.
func (c *WorkflowContext) Clear() {
	c.data = map[string]any{}
	c.sequences = map[string][]any{}
	c.checkpoints = map[string]snapshot{}
}

// Values returns a deep copy of the scalar values.
func (c *WorkflowContext) Values() map[string]any {
	return cloneMap(c.data)
}

// Sequences returns a deep copy of the sequences.
func (c *WorkflowContext) Sequences() map[string][]any {
	return cloneSequences(c.sequences)
}

// ContextSummary is a diagnostic view of a WorkflowContext.
type ContextSummary struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Keys        []string       `json:"keys"`
	Sequences   map[string]int `json:"sequences"`
	Counters    map[string]int `json:"counters"`
	Checkpoints []string       `json:"checkpoints"`
	Elapsed     time.Duration  `json:"elapsed"`
}

// LogValue renders the summary compactly in structured logs.
func (s ContextSummary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("keys", len(s.Keys)),
		slog.Int("sequences", len(s.Sequences)),
		slog.Any("counters", s.Counters),
		slog.Any("checkpoints", s.Checkpoints),
		slog.Duration("elapsed", s.Elapsed),
	)
}

// Summary describes the current contents.
func (c *WorkflowContext) Summary() ContextSummary {
	s := ContextSummary{
		ID:          c.meta.ID,
		Name:        c.meta.Name,
		Keys:        slices.Sorted(maps.Keys(c.data)),
		Sequences:   make(map[string]int, len(c.sequences)),
		Counters:    map[string]int{},
		Checkpoints: c.ListCheckpoints(),
		Elapsed:     c.now().Sub(c.meta.StartTime),
	}
	for k, seq := range c.sequences {
		s.Sequences[k] = len(seq)
	}
	for k, v := range c.data {
		if n, ok := v.(int); ok {
			s.Counters[k] = n
		}
	}
	return s
}

type exported struct {
	Metadata  Metadata         `json:"metadata"`
	Data      map[string]any   `json:"data"`
	Sequences map[string][]any `json:"sequences"`
}

// Export serializes the values, sequences and metadata as JSON.
// Checkpoints are not included.
func (c *WorkflowContext) Export() (string, error) {
	seqs := make(map[string][]any, len(c.sequences))
	for k, seq := range c.sequences {
		items := make([]any, len(seq))
		for i, v := range seq {
			items[i] = encodeNumbers(v)
		}
		seqs[k] = items
	}
	data := make(map[string]any, len(c.data))
	for k, v := range c.data {
		data[k] = encodeNumbers(v)
	}
	b, err := json.Marshal(exported{Metadata: c.meta, Data: data, Sequences: seqs})
	if err != nil {
		return "", fmt.Errorf("export workflow context: %w", err)
	}
	return string(b), nil
}

// ImportContext rebuilds a context from the output of Export. Values come
// back in their JSON shapes: integers as int, other numbers as float64,
// objects as map[string]any and arrays as []any.
func ImportContext(serialized string) (*WorkflowContext, error) {
	dec := json.NewDecoder(strings.NewReader(serialized))
	dec.UseNumber()
	var in exported
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("import workflow context: %w", err)
	}
	c := newWorkflowContext(in.Metadata)
	for k, v := range in.Data {
		c.data[k] = decodeNumbers(v)
	}
	for k, seq := range in.Sequences {
		items := make([]any, len(seq))
		for i, v := range seq {
			items[i] = decodeNumbers(v)
		}
		c.sequences[k] = items
	}
	return c, nil
}

// Lookup returns the value under key if it has type T.
func Lookup[T any](c *WorkflowContext, key string) (T, bool) {
	v, ok := c.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// LookupAll returns the elements of the sequence under key that have type T.
func LookupAll[T any](c *WorkflowContext, key string) []T {
	out := []T{}
	for _, v := range c.sequences[key] {
		if t, ok := v.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// encodeNumbers marks floats so that they decode as float64 even when
// integral. Typed slices, arrays and string-keyed maps are walked too.
func encodeNumbers(v any) any {
	return encodeNumbersDepth(v, 0)
}

// maxEncodeDepth bounds the walk over cyclic values; json.Marshal then
// reports the cycle.
const maxEncodeDepth = 1000

func encodeNumbersDepth(v any, depth int) any {
	if depth > maxEncodeDepth {
		return v
	}
	switch x := v.(type) {
	case nil, string, bool, json.Number, json.Marshaler:
		return v
	case float64:
		return floatNumber(x)
	case float32:
		return floatNumber(float64(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = encodeNumbersDepth(item, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = encodeNumbersDepth(item, depth+1)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return floatNumber(rv.Float())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return v
		}
		return encodeNumbersDepth(rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return v
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = encodeNumbersDepth(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String || rv.IsNil() {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = encodeNumbersDepth(iter.Value().Interface(), depth+1)
		}
		return out
	default:
		return v
	}
}

func floatNumber(f float64) any {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}

func decodeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.Atoi(s); err == nil {
				return i
			}
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, item := range x {
			x[k] = decodeNumbers(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = decodeNumbers(item)
		}
		return x
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	cp := newCopier()
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cp.value(v)
	}
	return out
}

func cloneSequences(m map[string][]any) map[string][]any {
	cp := newCopier()
	out := make(map[string][]any, len(m))
	for k, seq := range m {
		items := make([]any, len(seq))
		for i, v := range seq {
			items[i] = cp.value(v)
		}
		out[k] = items
	}
	return out
}

// cloneValue returns a deep copy of v. Maps, slices, arrays, pointers and
// exported struct fields are copied recursively; unexported struct fields,
// functions and channels are shared. Cycles and shared references are
// preserved in the copy.
func cloneValue(v any) any {
	return newCopier().value(v)
}

type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

// copier deep copies values, remembering every map, slice and pointer it
// has copied.
type copier struct {
	seen map[visit]reflect.Value
}

func newCopier() *copier {
	return &copier{seen: map[visit]reflect.Value{}}
}

func (cp *copier) value(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16,
		uint32, uint64, float32, float64, time.Time, time.Duration, json.Number:
		return v
	}
	return cp.copy(reflect.ValueOf(v)).Interface()
}

func (cp *copier) copy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if out, ok := cp.seen[key]; ok {
			return out
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		cp.seen[key] = out
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cp.copy(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		key := visit{ptr: v.Pointer(), typ: v.Type(), len: v.Len()}
		if out, ok := cp.seen[key]; ok {
			return out
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		cp.seen[key] = out
		for i := range v.Len() {
			out.Index(i).Set(cp.copy(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			out.Index(i).Set(cp.copy(v.Index(i)))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if out, ok := cp.seen[key]; ok {
			return out
		}
		out := reflect.New(v.Type().Elem())
		cp.seen[key] = out
		out.Elem().Set(cp.copy(v.Elem()))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(cp.copy(v.Elem()))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := range v.NumField() {
			if out.Field(i).CanSet() {
				out.Field(i).Set(cp.copy(v.Field(i)))
			}
		}
		return out
	default:
		return v
	}
}
