package aiflow

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWorkflowContextValues(t *testing.T) {
	c := NewWorkflowContext("wf_1", "bug-hunt")

	_, ok := c.Get("missing")
	require.False(t, ok)
	require.Equal(t, "fallback", c.GetOrDefault("missing", "fallback"))

	c.Set("symptoms", "crash on save")
	v, ok := c.Get("symptoms")
	require.True(t, ok)
	require.Equal(t, "crash on save", v)
	require.True(t, c.Has("symptoms"))

	s, ok := Lookup[string](c, "symptoms")
	require.True(t, ok)
	require.Equal(t, "crash on save", s)
	_, ok = Lookup[int](c, "symptoms")
	require.False(t, ok)

	require.True(t, c.Delete("symptoms"))
	require.False(t, c.Has("symptoms"))
	require.False(t, c.Delete("symptoms"))
}

func TestWorkflowContextSequences(t *testing.T) {
	c := NewWorkflowContext("wf_1", "bug-hunt")
	require.NotNil(t, c.GetAll("files"))
	require.Empty(t, c.GetAll("files"))

	c.Append("files", "a.go")
	c.Append("files", "b.go")
	c.Append("files", 3)
	require.Equal(t, []any{"a.go", "b.go", 3}, c.GetAll("files"))
	require.Equal(t, []string{"a.go", "b.go"}, LookupAll[string](c, "files"))
	require.True(t, c.Has("files"))

	all := c.GetAll("files")
	all[0] = "mutated"
	require.Equal(t, "a.go", c.GetAll("files")[0])
}

func TestWorkflowContextIncrement(t *testing.T) {
	c := NewWorkflowContext("wf_1", "x")

	n, err := c.Increment("calls", 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = c.Increment("calls", 4)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	n, err = c.Decrement("calls", 2)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	c.Set("float", 2.0)
	n, err = c.Increment("float", 1)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	c.Set("name", "gemini")
	_, err = c.Increment("name", 1)
	require.ErrorIs(t, err, ErrNotNumber)
	v, _ := c.Get("name")
	require.Equal(t, "gemini", v)
}

func TestWorkflowContextMerge(t *testing.T) {
	c := NewWorkflowContext("wf_1", "x")

	require.NoError(t, c.Merge("stats", map[string]any{"a": 1}))
	require.NoError(t, c.Merge("stats", map[string]any{"b": 2, "a": 3}))
	v, _ := c.Get("stats")
	require.Equal(t, map[string]any{"a": 3, "b": 2}, v)

	c.Set("scalar", 7)
	err := c.Merge("scalar", map[string]any{"a": 1})
	require.ErrorIs(t, err, ErrNotRecord)
	v, _ = c.Get("scalar")
	require.Equal(t, 7, v)
}

func TestWorkflowContextCheckpointRollback(t *testing.T) {
	c := NewWorkflowContext("wf_1", "x")
	c.Set("count", 1)
	c.Set("nested", map[string]any{"list": []any{"a"}})
	c.Append("log", "first")
	c.Checkpoint("before")

	c.Set("count", 2)
	c.Set("extra", true)
	c.Append("log", "second")
	nested, _ := Lookup[map[string]any](c, "nested")
	nested["list"] = append(nested["list"].([]any), "b")
	nested["added"] = 1

	require.True(t, c.Rollback("before"))
	require.Equal(t, map[string]any{
		"count":  1,
		"nested": map[string]any{"list": []any{"a"}},
	}, c.Values())
	require.Equal(t, []any{"first"}, c.GetAll("log"))

	// A checkpoint survives rollback and can be reused.
	c.Set("count", 9)
	require.True(t, c.Rollback("before"))
	v, _ := c.Get("count")
	require.Equal(t, 1, v)

	require.False(t, c.Rollback("missing"))
	require.Equal(t, []string{"before"}, c.ListCheckpoints())

	c.Checkpoint("after")
	require.Equal(t, []string{"after", "before"}, c.ListCheckpoints())
	require.True(t, c.DeleteCheckpoint("before"))
	require.False(t, c.DeleteCheckpoint("before"))
	require.Equal(t, []string{"after"}, c.ListCheckpoints())
}

type finding struct {
	File  string
	Lines []int
	Meta  *map[string]string
}

func TestWorkflowContextCheckpointCopiesStructs(t *testing.T) {
	c := NewWorkflowContext("wf_1", "x")
	meta := map[string]string{"severity": "high"}
	f := &finding{File: "a.go", Lines: []int{1, 2}, Meta: &meta}
	c.Set("finding", f)
	c.Checkpoint("cp")

	f.Lines[0] = 100
	meta["severity"] = "low"
	f.File = "b.go"

	require.True(t, c.Rollback("cp"))
	got, ok := Lookup[*finding](c, "finding")
	require.True(t, ok)
	require.Equal(t, "a.go", got.File)
	require.Equal(t, []int{1, 2}, got.Lines)
	require.Equal(t, "high", (*got.Meta)["severity"])
}

func TestWorkflowContextExportImport(t *testing.T) {
	c := NewWorkflowContext("wf_1", "feature-design")
	c.Set("count", 3)
	c.Set("ratio", 0.5)
	c.Set("whole", 2.0)
	c.Set("done", true)
	c.Set("design", map[string]any{"title": "cache", "parts": []any{1, "two"}})
	c.Append("files", "a.go")
	c.Append("files", "b.go")
	c.Checkpoint("ignored")

	exported, err := c.Export()
	require.NoError(t, err)

	restored, err := ImportContext(exported)
	require.NoError(t, err)
	require.Equal(t, c.Values(), restored.Values())
	require.Equal(t, c.GetAll("files"), restored.GetAll("files"))
	require.Equal(t, "wf_1", restored.ID())
	require.Equal(t, "feature-design", restored.Metadata().Name)
	require.Empty(t, restored.ListCheckpoints())

	_, err = ImportContext("{not json")
	require.Error(t, err)
}

type chainNode struct {
	Name string
	Next *chainNode
}

func TestWorkflowContextCheckpointCycles(t *testing.T) {
	c := NewWorkflowContext("wf_1", "bug-hunt")
	loop := &chainNode{Name: "a"}
	loop.Next = loop
	record := map[string]any{"name": "self"}
	record["self"] = record
	c.Set("loop", loop)
	c.Set("record", record)

	c.Checkpoint("before")
	loop.Name = "changed"
	require.True(t, c.Rollback("before"))

	restored, ok := Lookup[*chainNode](c, "loop")
	require.True(t, ok)
	require.NotSame(t, loop, restored)
	require.Equal(t, "a", restored.Name)
	require.Same(t, restored, restored.Next, "the cycle is preserved in the copy")

	rec, ok := Lookup[map[string]any](c, "record")
	require.True(t, ok)
	require.Equal(t, "self", rec["self"].(map[string]any)["name"])

	_, err := c.Export()
	require.Error(t, err)
}

func TestWorkflowContextExportTypedNumbers(t *testing.T) {
	c := NewWorkflowContext("wf_1", "parallel-review")
	c.Set("scores", []float64{1, 2.5})
	c.Set("weights", map[string]float32{"gemini": 2})
	c.Set("counts", []int{1, 2})
	c.Set("raw", []byte("hi"))

	exported, err := c.Export()
	require.NoError(t, err)
	restored, err := ImportContext(exported)
	require.NoError(t, err)

	scores, _ := restored.Get("scores")
	require.Equal(t, []any{1.0, 2.5}, scores)
	weights, _ := restored.Get("weights")
	require.Equal(t, map[string]any{"gemini": 2.0}, weights)
	counts, _ := restored.Get("counts")
	require.Equal(t, []any{1, 2}, counts)
	raw, _ := restored.Get("raw")
	require.Equal(t, "aGk=", raw)
}

func TestWorkflowContextSummaryAndClear(t *testing.T) {
	c := NewWorkflowContext("wf_1", "x")
	c.Set("calls", 2)
	c.Set("name", "n")
	c.Append("files", "a")
	c.Append("files", "b")
	c.Checkpoint("cp")

	s := c.Summary()
	require.Equal(t, "wf_1", s.ID)
	require.Equal(t, []string{"calls", "name"}, s.Keys)
	require.Equal(t, map[string]int{"files": 2}, s.Sequences)
	require.Equal(t, map[string]int{"calls": 2}, s.Counters)
	require.Equal(t, []string{"cp"}, s.Checkpoints)

	require.Equal(t, []string{"calls", "files", "name"}, c.Keys())
	require.Equal(t, 3, c.Len())

	c.Clear()
	require.Zero(t, c.Len())
	require.Empty(t, c.ListCheckpoints())
	require.Empty(t, c.GetAll("files"))
}

func jsonScalar() *rapid.Generator[any] {
	return rapid.OneOf(
		rapid.Map(rapid.Int(), func(v int) any { return v }),
		rapid.Map(rapid.Float64Range(-1e9, 1e9), func(v float64) any { return v }),
		rapid.Map(rapid.Bool(), func(v bool) any { return v }),
		rapid.Map(rapid.StringMatching(`[a-zA-Z0-9 _.-]{0,12}`), func(v string) any { return v }),
	)
}

func jsonValue() *rapid.Generator[any] {
	key := rapid.StringMatching(`[a-z]{1,6}`)
	return rapid.OneOf(
		jsonScalar(),
		rapid.Map(rapid.SliceOfN(jsonScalar(), 1, 4), func(v []any) any { return v }),
		rapid.Map(rapid.MapOfN(key, jsonScalar(), 1, 4), func(v map[string]any) any { return v }),
	)
}

func TestWorkflowContextRollbackProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.StringMatching(`[a-e]`)
		c := NewWorkflowContext("wf_p", "prop")
		for range rapid.IntRange(0, 8).Draw(t, "initial") {
			c.Set(key.Draw(t, "key"), jsonValue().Draw(t, "value"))
			c.Append(key.Draw(t, "seq"), jsonScalar().Draw(t, "item"))
		}
		wantValues := c.Values()
		wantSeqs := c.Sequences()
		c.Checkpoint("cp")

		for range rapid.IntRange(0, 12).Draw(t, "ops") {
			k := key.Draw(t, "op-key")
			switch rapid.IntRange(0, 5).Draw(t, "op") {
			case 0:
				c.Set(k, jsonValue().Draw(t, "op-value"))
			case 1:
				c.Append(k, jsonScalar().Draw(t, "op-item"))
			case 2:
				_, _ = c.Increment(k, rapid.IntRange(-5, 5).Draw(t, "amount"))
			case 3:
				_ = c.Merge(k, map[string]any{"m": 1})
			case 4:
				c.Delete(k)
			case 5:
				if m, ok := Lookup[map[string]any](c, k); ok {
					m["mutated"] = true
				}
				if s, ok := Lookup[[]any](c, k); ok && len(s) > 0 {
					s[0] = "mutated"
				}
			}
		}

		require.True(t, c.Rollback("cp"))
		require.Equal(t, wantValues, c.Values())
		require.Equal(t, wantSeqs, c.Sequences())
	})
}

func TestWorkflowContextExportImportProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.StringMatching(`[a-z]{1,6}`)
		c := NewWorkflowContext("wf_p", "prop")
		for range rapid.IntRange(0, 8).Draw(t, "values") {
			c.Set(key.Draw(t, "key"), jsonValue().Draw(t, "value"))
		}
		for range rapid.IntRange(0, 8).Draw(t, "items") {
			c.Append(key.Draw(t, "seq"), jsonValue().Draw(t, "item"))
		}

		exported, err := c.Export()
		require.NoError(t, err)
		restored, err := ImportContext(exported)
		require.NoError(t, err)

		for _, k := range c.Keys() {
			want, wantOK := c.Get(k)
			got, gotOK := restored.Get(k)
			require.Equal(t, wantOK, gotOK, k)
			require.Equal(t, want, got, k)
			require.Equal(t, c.GetAll(k), restored.GetAll(k), k)
		}
		require.Equal(t, c.Keys(), restored.Keys())
	})
}
