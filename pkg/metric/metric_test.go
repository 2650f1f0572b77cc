// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

// reset clears all global state in the metric package.
func reset() {
	allMetrics.mu.Lock()
	allMetrics.metrics = make(map[string]*Uint64Metric)
	allMetrics.mu.Unlock()
}

const (
	fooDescription = "Foo!"
	barDescription = "Bar Baz"
)

func TestNameInUse(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("foo_total", fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("foo_total", barDescription); err != ErrNameInUse {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
}

func TestInvalidName(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo/bar", fooDescription); err != ErrInvalidName {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrInvalidName)
	}
}

func TestFieldValidation(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("empty_total", fooDescription, NewField("kind")); err != ErrFieldHasNoAllowedValues {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
	if _, err := NewUint64Metric("bad_total", fooDescription, NewField("kind", "a\xff")); err != ErrFieldValueContainsIllegalChar {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrFieldValueContainsIllegalChar)
	}
}

func TestIncrement(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("counter_total", fooDescription)
	m.Increment()
	m.IncrementBy(4)
	if got := m.Value(); got != 5 {
		t.Errorf("Value got %d want 5", got)
	}
}

func TestFields(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("pages_total", fooDescription,
		NewField("class", "cow", "shared"),
		NewField("side", "parent", "child", "both"))
	m.Increment("cow", "child")
	m.IncrementBy(3, "shared", "both")
	m.Increment("cow", "child")

	for _, tc := range []struct {
		class, side string
		want        uint64
	}{
		{"cow", "child", 2},
		{"cow", "parent", 0},
		{"shared", "both", 3},
	} {
		if got := m.Value(tc.class, tc.side); got != tc.want {
			t.Errorf("Value(%q, %q) got %d want %d", tc.class, tc.side, got, tc.want)
		}
	}

	for key := 0; key < m.fieldMapper.numFieldCombinations; key++ {
		values := m.fieldMapper.keyToMultiField(key)
		if got := m.fieldMapper.lookup(values...); got != key {
			t.Errorf("lookup(keyToMultiField(%d) = %v) got %d want %d", key, values, got, key)
		}
	}
}

func TestDisallowedFieldPanics(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("panicky_total", fooDescription, NewField("class", "cow"))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("zero")
}

func TestSnapshot(t *testing.T) {
	defer reset()

	a := MustCreateNewUint64Metric("a_total", fooDescription)
	b := MustCreateNewUint64Metric("b_total", barDescription, NewField("k", "x", "y"))
	a.IncrementBy(2)
	b.Increment("x")
	b.IncrementBy(5, "y")

	want := map[string]uint64{"a_total": 2, "b_total": 6}
	if diff := cmp.Diff(want, Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteText(t *testing.T) {
	defer reset()

	b := MustCreateNewUint64Metric("b_total", barDescription, NewField("k", "x", "y"))
	a := MustCreateNewUint64Metric("a_total", fooDescription)
	a.IncrementBy(7)
	b.Increment("y")

	var buf bytes.Buffer
	if err := WriteText(&buf); err != nil {
		t.Fatalf("WriteText got err %v want nil", err)
	}
	want := `# HELP a_total Foo!
# TYPE a_total counter
a_total 7
# HELP b_total Bar Baz
# TYPE b_total counter
b_total{k="x"} 0
b_total{k="y"} 1
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("WriteText mismatch (-want +got):\n%s", diff)
	}

	// The output must parse back.
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies got err %v want nil", err)
	}
	if got := parsed["a_total"].GetMetric()[0].GetCounter().GetValue(); got != 7 {
		t.Errorf("parsed a_total got %v want 7", got)
	}
}
