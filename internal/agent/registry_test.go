package agent

import (
	"errors"
	"testing"

	"github.com/dshills/keystorm-copilot/internal/completion"
)

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry()
	a, b := &Client{}, &Client{}

	if prev := r.Register("w1", a); prev != nil {
		t.Errorf("Register() prev = %p, want nil", prev)
	}
	if prev := r.Register("w1", b); prev != a {
		t.Errorf("Register() prev = %p, want first client", prev)
	}
	got, ok := r.Lookup("w1")
	if !ok || got != b {
		t.Errorf("Lookup(w1) = %p, %v", got, ok)
	}
	if _, ok := r.Lookup("w2"); ok {
		t.Error("Lookup(w2) found a client")
	}
}

func TestRegistry_Views(t *testing.T) {
	r := NewRegistry()
	a := &Client{}
	r.Register("w1", a)

	if err := r.BindView("v1", "w9"); !errors.Is(err, ErrUnknownWindow) {
		t.Errorf("BindView(unknown) error = %v, want ErrUnknownWindow", err)
	}
	if err := r.BindView("v1", "w1"); err != nil {
		t.Fatalf("BindView() error = %v", err)
	}
	if got, ok := r.ClientForView("v1"); !ok || got != a {
		t.Errorf("ClientForView(v1) = %p, %v", got, ok)
	}

	r.UnbindView("v1")
	if _, ok := r.ClientForView("v1"); ok {
		t.Error("ClientForView after UnbindView found a client")
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	a, b := &Client{}, &Client{}
	r.Register("w1", a)
	r.Register("w2", b)
	r.BindView("v1", "w1")
	r.BindView("v2", "w1")
	r.BindView("v3", "w2")

	if got := r.Remove("w1"); got != a {
		t.Errorf("Remove(w1) = %p, want first client", got)
	}
	for _, v := range []completion.ViewID{"v1", "v2"} {
		if _, ok := r.ClientForView(v); ok {
			t.Errorf("view %s survived removal of its window", v)
		}
	}
	if got, ok := r.ClientForView("v3"); !ok || got != b {
		t.Errorf("ClientForView(v3) = %p, %v", got, ok)
	}
	if got := r.Remove("w1"); got != nil {
		t.Errorf("second Remove(w1) = %p, want nil", got)
	}
}

func TestRegistry_Windows(t *testing.T) {
	r := NewRegistry()
	for _, w := range []WindowID{"w3", "w1", "w2"} {
		r.Register(w, &Client{})
	}
	got := r.Windows()
	want := []WindowID{"w1", "w2", "w3"}
	if len(got) != len(want) {
		t.Fatalf("Windows() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Windows()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	r.Register("w1", &Client{})
	r.Register("w2", nil)
	r.BindView("v1", "w1")

	if err := r.CloseAll(); err != nil {
		t.Errorf("CloseAll() error = %v", err)
	}
	if len(r.Windows()) != 0 {
		t.Errorf("Windows() after CloseAll = %v", r.Windows())
	}
	if _, ok := r.ClientForView("v1"); ok {
		t.Error("view survived CloseAll")
	}
}
