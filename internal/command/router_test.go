package command

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/oaproject/oa-agent/internal/remotestatus"
)

// fakePrinter records every call as a short string.
type fakePrinter struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (p *fakePrinter) record(call, op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return p.fail[op]
}

func (p *fakePrinter) PausePrint(context.Context) error  { return p.record("pause", "pause") }
func (p *fakePrinter) CancelPrint(context.Context) error { return p.record("cancel", "cancel") }
func (p *fakePrinter) ResumePrint(context.Context) error { return p.record("resume", "resume") }

func (p *fakePrinter) SetTemperature(_ context.Context, heater string, target float64) error {
	return p.record(fmt.Sprintf("temp %s %g", heater, target), "temp")
}

func (p *fakePrinter) Jog(_ context.Context, axes map[string]float64) error {
	keys := make([]string, 0, len(axes))
	for k := range axes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, axes[k])
	}
	return p.record("jog "+strings.Join(parts, ","), "jog")
}

func (p *fakePrinter) Home(_ context.Context, axes []string) error {
	return p.record("home "+strings.Join(axes, ","), "home")
}

func (p *fakePrinter) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func newTestRouter() (*Router, *fakePrinter, *remotestatus.Status) {
	p := &fakePrinter{}
	st := remotestatus.New()
	return NewRouter(p, st, nil), p, st
}

func TestRoute_Dispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  string
		want []string
	}{
		{"pause", `{"cmd":{"job":"pause"}}`, []string{"pause"}},
		{"cancel", `{"cmd":{"job":"cancel"}}`, []string{"cancel"}},
		{"resume", `{"cmd":{"job":"resume"}}`, []string{"resume"}},
		{"unknown job verb", `{"cmd":{"job":"restart"}}`, nil},
		{"temps set", `{"cmd":{"temps":{"set":{"heater":"tool0","target":210}}}}`, []string{"temp tool0 210"}},
		{"temps without set", `{"cmd":{"temps":{"get":{}}}}`, nil},
		{"jog numeric", `{"cmd":{"jog":{"x":10}}}`, []string{"jog x=10"}},
		{"jog fractional", `{"cmd":{"jog":{"z":-0.1}}}`, []string{"jog z=-0.1"}},
		{"jog home", `{"cmd":{"jog":{"x":"home"}}}`, []string{"home x"}},
		{"jog multi axis", `{"cmd":{"jog":{"y":5,"x":-5,"z":"home"}}}`, []string{"jog x=-5,y=5", "home z"}},
		{"jog null is home", `{"cmd":{"jog":{"y":null}}}`, []string{"home y"}},
		{"unknown cmd kind", `{"cmd":{"reboot":true}}`, nil},
		{"unknown top-level key", `{"hello":"world"}`, nil},
		{"null cmd", `{"cmd":null}`, nil},
		{"several kinds in sorted order", `{"cmd":{"temps":{"set":{"heater":"bed","target":60}},"job":"pause"}}`, []string{"pause", "temp bed 60"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, p, _ := newTestRouter()
			if err := r.Route(context.Background(), []byte(tt.msg)); err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if got := p.Calls(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("calls = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoute_PauseTwiceCallsTwice(t *testing.T) {
	t.Parallel()
	r, p, _ := newTestRouter()
	msg := []byte(`{"cmd":{"job":"pause"}}`)
	for range 2 {
		if err := r.Route(context.Background(), msg); err != nil {
			t.Fatalf("Route() error = %v", err)
		}
	}
	if got := p.Calls(); !reflect.DeepEqual(got, []string{"pause", "pause"}) {
		t.Errorf("calls = %v, want two pauses", got)
	}
}

func TestRoute_TempsSetExactlyOnce(t *testing.T) {
	t.Parallel()
	r, p, st := newTestRouter()
	err := r.Route(context.Background(), []byte(`{"cmd":{"temps":{"set":{"heater":"tool0","target":210}}}}`))
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if got := p.Calls(); len(got) != 1 || got[0] != "temp tool0 210" {
		t.Errorf("calls = %v, want exactly [temp tool0 210]", got)
	}
	if st.IsWatching() {
		t.Error("temps command changed the watching flag")
	}
}

func TestRoute_Watching(t *testing.T) {
	t.Parallel()
	r, p, st := newTestRouter()
	ctx := context.Background()

	steps := []struct {
		msg  string
		want bool
	}{
		{`{"cmd":{"watching":"True"}}`, true},
		{`{"cmd":{"watching":"false"}}`, false},
		{`{"cmd":{"watching":"True"}}`, true},
		{`{"cmd":{"watching":"true"}}`, false},
		{`{"cmd":{"watching":"True"}}`, true},
		{`{"cmd":{"watching":true}}`, false},
	}
	for i, s := range steps {
		if err := r.Route(ctx, []byte(s.msg)); err != nil {
			t.Fatalf("step %d: Route() error = %v", i, err)
		}
		if got := st.IsWatching(); got != s.want {
			t.Errorf("step %d (%s): watching = %v, want %v", i, s.msg, got, s.want)
		}
	}
	if calls := p.Calls(); len(calls) != 0 {
		t.Errorf("watching invoked printer: %v", calls)
	}
}

func TestRoute_MalformedIsDecodeError(t *testing.T) {
	t.Parallel()

	tests := []string{
		`not json`,
		`["cmd"]`,
		`{"cmd":"pause"}`,
		`{"cmd":{"job":7}}`,
		`{"cmd":{"temps":"hot"}}`,
		`{"cmd":{"temps":{"set":{"target":200}}}}`,
		`{"cmd":{"temps":{"set":{"heater":"tool0"}}}}`,
		`{"cmd":{"temps":{"set":{"heater":"tool0","target":null}}}}`,
		`{"cmd":{"jog":"x"}}`,
	}
	for _, msg := range tests {
		r, p, _ := newTestRouter()
		err := r.Route(context.Background(), []byte(msg))
		if !errors.Is(err, ErrDecode) {
			t.Errorf("Route(%s) error = %v, want ErrDecode", msg, err)
		}
		if calls := p.Calls(); len(calls) != 0 {
			t.Errorf("Route(%s) invoked printer: %v", msg, calls)
		}
	}
}

func TestRoute_DecodeErrorDoesNotBlockOtherKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  string
	}{
		{"malformed job", `{"cmd":{"job":7,"watching":"True"}}`},
		{"temps set without target", `{"cmd":{"temps":{"set":{"heater":"tool0"}},"watching":"True"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, p, st := newTestRouter()
			err := r.Route(context.Background(), []byte(tt.msg))
			if !errors.Is(err, ErrDecode) {
				t.Errorf("error = %v, want ErrDecode", err)
			}
			if !st.IsWatching() {
				t.Error("watching not applied alongside a malformed command")
			}
			if calls := p.Calls(); len(calls) != 0 {
				t.Errorf("calls = %v, want none", calls)
			}
		})
	}
}

func TestRoute_CommandError(t *testing.T) {
	t.Parallel()
	boom := errors.New("printer offline")
	p := &fakePrinter{fail: map[string]error{"pause": boom, "home": boom}}
	r := NewRouter(p, remotestatus.New(), nil)

	err := r.Route(context.Background(), []byte(`{"cmd":{"job":"pause"}}`))
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CommandError", err)
	}
	if ce.Kind != "job" || ce.Op != "pause" {
		t.Errorf("CommandError = %+v", ce)
	}
	if !errors.Is(err, boom) {
		t.Error("CommandError does not unwrap to the printer error")
	}

	// A failing home still lets the jog through.
	err = r.Route(context.Background(), []byte(`{"cmd":{"jog":{"x":1,"y":"home"}}}`))
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want printer error", err)
	}
	want := []string{"pause", "jog x=1", "home y"}
	if got := p.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestRoute_Concurrent(t *testing.T) {
	t.Parallel()
	r, p, _ := newTestRouter()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Route(context.Background(), []byte(`{"cmd":{"job":"resume","watching":"True"}}`))
		}()
	}
	wg.Wait()
	if got := len(p.Calls()); got != 20 {
		t.Errorf("calls = %d, want 20", got)
	}
}

func TestKinds(t *testing.T) {
	want := []string{"job", "jog", "temps", "watching"}
	if got := Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("Kinds() = %v, want %v", got, want)
	}
}
