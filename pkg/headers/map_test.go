package headers

import (
	"strings"
	"testing"
)

func TestMapAddGet(t *testing.T) {
	tests := []struct {
		name      string
		adds      [][2]string
		getName   string
		wantValue string
		wantOK    bool
	}{
		{
			name:      "case insensitive lookup",
			adds:      [][2]string{{"Content-Type", "text/plain"}},
			getName:   "content-type",
			wantValue: "text/plain",
			wantOK:    true,
		},
		{
			name:      "inline name normalized",
			adds:      [][2]string{{"Content-Length", "42"}},
			getName:   ContentLength,
			wantValue: "42",
			wantOK:    true,
		},
		{
			name:      "first match wins for duplicates",
			adds:      [][2]string{{"accept", "a"}, {"accept", "b"}},
			getName:   "accept",
			wantValue: "a",
			wantOK:    true,
		},
		{
			name:    "absent",
			adds:    nil,
			getName: "x-missing",
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			for _, kv := range tt.adds {
				m.Add(kv[0], kv[1])
			}
			got, ok := m.Get(tt.getName)
			if ok != tt.wantOK || got != tt.wantValue {
				t.Errorf("Get(%q) = (%q, %v), want (%q, %v)",
					tt.getName, got, ok, tt.wantValue, tt.wantOK)
			}
		})
	}
}

func TestMapInlinePolicies(t *testing.T) {
	t.Run("inline overwrites", func(t *testing.T) {
		m := New()
		m.Add(ContentLength, "10")
		m.Add(ContentLength, "20")
		if got := m.Value(ContentLength); got != "20" {
			t.Errorf("content-length = %q, want 20", got)
		}
		if m.Len() != 1 {
			t.Errorf("Len() = %d, want 1", m.Len())
		}
	})

	t.Run("forwarded-for concatenates", func(t *testing.T) {
		m := New()
		m.Add(ForwardedFor, "10.0.0.1")
		m.Add(ForwardedFor, "10.0.0.2")
		if got := m.Value(ForwardedFor); got != "10.0.0.1,10.0.0.2" {
			t.Errorf("x-forwarded-for = %q", got)
		}
	})
}

func TestMapOrderPreserved(t *testing.T) {
	m := New()
	m.Add(Method, "GET")
	m.Add("x-custom-a", "1")
	m.Add(Path, "/x")
	m.Add("x-custom-b", "2")

	var order []string
	m.Iterate(func(name, _ string) bool {
		order = append(order, name)
		return true
	})
	want := []string{Method, "x-custom-a", Path, "x-custom-b"}
	if strings.Join(order, " ") != strings.Join(want, " ") {
		t.Errorf("iteration order = %v, want %v", order, want)
	}
}

func TestMapRemove(t *testing.T) {
	m := New()
	m.Add(EnvoyRetryOn, "5xx")
	m.Add("accept", "a")
	m.Add("accept", "b")
	m.Remove("accept")
	m.Remove(EnvoyRetryOn)

	if m.Has("accept") || m.Has(EnvoyRetryOn) {
		t.Error("removed names still present")
	}

	// Inline slot is reusable after removal.
	m.Add(EnvoyRetryOn, "connect-failure")
	if got := m.Value(EnvoyRetryOn); got != "connect-failure" {
		t.Errorf("x-envoy-retry-on = %q after re-add", got)
	}
}

func TestMapByteSize(t *testing.T) {
	m := New()
	m.Add("a", "bb")
	m.Add(Host, "example")
	want := 1 + 2 + len(Host) + 7
	if got := m.ByteSize(); got != want {
		t.Errorf("ByteSize() = %d, want %d", got, want)
	}
}

func TestMapClone(t *testing.T) {
	m := New()
	m.Add(Method, "POST")
	m.Add("x-a", "1")

	c := m.Clone()
	c.Set("x-a", "2")
	c.Add(Method, "GET")

	if got := m.Value("x-a"); got != "1" {
		t.Errorf("original mutated: x-a = %q", got)
	}
	if got := m.Value(Method); got != "POST" {
		t.Errorf("original mutated: :method = %q", got)
	}
}

func TestInlineSlotLookup(t *testing.T) {
	for _, def := range inlineNames {
		if inlineSlot(def.name) == noInline {
			t.Errorf("inlineSlot(%q) = noInline", def.name)
		}
	}
	if inlineSlot("x-definitely-custom") != noInline {
		t.Error("custom name resolved to an inline slot")
	}
	if inlineSlot("content-lengt") != noInline {
		t.Error("prefix of an inline name resolved to a slot")
	}
}
