package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/streambot/cache"
	"github.com/onnwee/streambot/command"
	"github.com/onnwee/streambot/ratelimit"
	"github.com/onnwee/streambot/settings"
	"github.com/onnwee/streambot/testutil"
	"github.com/onnwee/streambot/twitchapi"
)

type captureSender struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSender) Send(channel, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, channel+": "+line)
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// harness wires a dispatcher over in-memory settings.
type harness struct {
	store    *settings.Store
	registry *command.Registry
	sender   *captureSender
	d        *Dispatcher
}

func newHarness(t *testing.T, seed map[string]any, opts ...Option) *harness {
	t.Helper()
	p := testutil.NewMemPersister()
	for k, v := range seed {
		val, err := settings.ObjectValue(v)
		if err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
		p.Seed(k, val)
	}
	store := settings.NewStore(p)
	if err := store.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	registry := command.NewRegistry(store)
	limiter := ratelimit.New(store.Current())
	c := cache.New(store.Current())
	sender := &captureSender{}
	d := New(store, registry, limiter, c, sender, opts...)
	return &harness{store: store, registry: registry, sender: sender, d: d}
}

func event(channel, text string) Event {
	return Event{
		Channel:     channel,
		UserID:      "100",
		Login:       "ada",
		DisplayName: "Ada",
		Level:       command.LevelEveryone,
		Text:        text,
		Time:        time.Now(),
	}
}

func TestTemplateCommandDispatch(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/hello": command.Command{Kind: command.KindTemplate, Template: "Hi {user}!", Enabled: true},
	})
	h.d.Handle(context.Background(), event("testchan", "!hello"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 || got[0] != "testchan: Hi Ada!" {
		t.Fatalf("got %v", got)
	}
}

func TestNonCommandTextIgnored(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/hello": command.Command{Kind: command.KindTemplate, Template: "Hi!", Enabled: true},
	})
	for _, text := range []string{"hello there", "just chatting", "!", "  ", "!unknown"} {
		h.d.Handle(context.Background(), event("testchan", text))
	}
	h.d.Wait()
	if got := h.sender.all(); len(got) != 0 {
		t.Fatalf("expected silence, got %v", got)
	}
}

func TestChannelIsolation(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/chan_a/hello": command.Command{Kind: command.KindTemplate, Template: "Hi!", Enabled: true},
	})
	h.d.Handle(context.Background(), event("chan_b", "!hello"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 0 {
		t.Fatalf("command leaked across channels: %v", got)
	}
}

func TestDisabledCommandChargesNoTokens(t *testing.T) {
	h := newHarness(t, map[string]any{
		"rate/user-command/capacity": 2.0,
		"rate/user-command/refill":   0.001,
		"commands/testchan/off":      command.Command{Kind: command.KindTemplate, Template: "never", Enabled: false},
		"commands/testchan/on":       command.Command{Kind: command.KindTemplate, Template: "yes", Enabled: true},
	})
	// Hammering the disabled command must not consume the user's budget.
	for i := 0; i < 10; i++ {
		h.d.Handle(context.Background(), event("testchan", "!off"))
	}
	h.d.Handle(context.Background(), event("testchan", "!on"))
	h.d.Handle(context.Background(), event("testchan", "!on"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 2 {
		t.Fatalf("expected both enabled invocations admitted, got %v", got)
	}
}

func TestUnauthorizedIsSilent(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/modonly": command.Command{Kind: command.KindTemplate, Template: "secret", Enabled: true, Level: command.LevelModerator},
	})
	ev := event("testchan", "!modonly")
	h.d.Handle(context.Background(), ev)
	h.d.Wait()
	if got := h.sender.all(); len(got) != 0 {
		t.Fatalf("unauthorized invocation produced output: %v", got)
	}

	ev.Level = command.LevelBroadcaster
	h.d.Handle(context.Background(), ev)
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 {
		t.Fatalf("authorized invocation missing: %v", got)
	}
}

func TestRateLimitDeniesBeyondBurst(t *testing.T) {
	h := newHarness(t, map[string]any{
		"rate/user-command/capacity": 2.0,
		"rate/user-command/refill":   0.001,
		"commands/testchan/hello":    command.Command{Kind: command.KindTemplate, Template: "Hi!", Enabled: true},
	})
	for i := 0; i < 5; i++ {
		h.d.Handle(context.Background(), event("testchan", "!hello"))
	}
	h.d.Wait()
	if got := h.sender.all(); len(got) != 2 {
		t.Fatalf("expected 2 admitted invocations, got %d: %v", len(got), got)
	}
}

func TestScriptCommandDispatch(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/greet": command.Command{
			Kind:    command.KindScript,
			Source:  "def handle(event):\n    return \"Hey \" + event[\"user\"] + \", you said: \" + event[\"args\"]\n",
			Enabled: true,
		},
	})
	h.d.Handle(context.Background(), event("testchan", "!greet hello world"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 || got[0] != "testchan: Hey Ada, you said: hello world" {
		t.Fatalf("got %v", got)
	}
}

func TestScriptFaultDoesNotStallDispatch(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/boom":  command.Command{Kind: command.KindScript, Source: "def handle(event):\n    return undefined_name\n", Enabled: true},
		"commands/testchan/hello": command.Command{Kind: command.KindTemplate, Template: "still here", Enabled: true},
	})
	h.d.Handle(context.Background(), event("testchan", "!boom"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 0 {
		t.Fatalf("faulting script produced output: %v", got)
	}
	h.d.Handle(context.Background(), event("testchan", "!hello"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 || got[0] != "testchan: still here" {
		t.Fatalf("dispatch stalled after script fault: %v", got)
	}
}

func TestErrorReplyToggle(t *testing.T) {
	h := newHarness(t, map[string]any{
		"chat/error-replies":     true,
		"commands/testchan/boom": command.Command{Kind: command.KindScript, Source: "def handle(event):\n    fail(\"nope\")\n", Enabled: true},
	})
	h.d.Handle(context.Background(), event("testchan", "!boom"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 || !strings.Contains(got[0], "!boom failed") {
		t.Fatalf("expected error reply, got %v", got)
	}
}

func TestCounterSubstitution(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/lurk": command.Command{Kind: command.KindTemplate, Template: "Lurk #{count}", Enabled: true, Count: 7},
	})
	h.d.Handle(context.Background(), event("testchan", "!lurk"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 || got[0] != "testchan: Lurk #8" {
		t.Fatalf("got %v", got)
	}
}

func TestOutputLineCap(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/spam": command.Command{
			Kind:    command.KindScript,
			Source:  "def handle(event):\n    return [\"a\", \"b\", \"c\", \"d\", \"e\"]\n",
			Enabled: true,
		},
	}, WithMaxLines(2))
	h.d.Handle(context.Background(), event("testchan", "!spam"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 2 {
		t.Fatalf("expected truncation to 2 lines, got %v", got)
	}
}

func TestAliasDispatch(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/hello": command.Command{Kind: command.KindTemplate, Template: "Hi {user}!", Enabled: true},
		"aliases/testchan/hi":     command.Alias{Target: "hello"},
	})
	h.d.Handle(context.Background(), event("testchan", "!hi"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 || got[0] != "testchan: Hi Ada!" {
		t.Fatalf("got %v", got)
	}
}

func TestBuiltinCommandsList(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/hello": command.Command{Kind: command.KindTemplate, Template: "Hi!", Enabled: true},
		"commands/testchan/off":   command.Command{Kind: command.KindTemplate, Template: "x", Enabled: false},
	})
	h.d.Handle(context.Background(), event("testchan", "!commands"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	if !strings.Contains(got[0], "!hello") || strings.Contains(got[0], "!off") {
		t.Fatalf("listing wrong: %v", got)
	}
}

func TestBuiltinDisabledByOverride(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.registry.SetDisabled(context.Background(), "testchan", "uptime", true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	h.registry.Reload()
	h.d.Handle(context.Background(), event("testchan", "!uptime"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 0 {
		t.Fatalf("disabled builtin produced output: %v", got)
	}
}

func helixServer(t *testing.T, liveFor time.Duration, title, game string) *twitchapi.HelixClient {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/streams", func(w http.ResponseWriter, r *http.Request) {
		if liveFor < 0 {
			fmt.Fprint(w, `{"data":[]}`)
			return
		}
		resp := map[string]any{"data": []map[string]any{{
			"title":      title,
			"game_name":  game,
			"started_at": time.Now().Add(-liveFor).UTC().Format(time.RFC3339),
		}}}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode: %v", err)
		}
	})
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"42"}]}`)
	})
	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[{"title":%q,"game_name":%q}]}`, title, game)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &twitchapi.HelixClient{
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test"}),
		ClientID:    "cid",
		BaseURL:     srv.URL,
	}
}

func TestBuiltinUptimeLive(t *testing.T) {
	hc := helixServer(t, 2*time.Hour+5*time.Minute, "Speedrun", "Tetris")
	h := newHarness(t, nil, WithHelix(hc))
	h.d.Handle(context.Background(), event("testchan", "!uptime"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 || !strings.HasPrefix(got[0], "testchan: Stream has been live for 2h ") {
		t.Fatalf("got %v", got)
	}
}

func TestBuiltinUptimeOffline(t *testing.T) {
	hc := helixServer(t, -1, "", "")
	h := newHarness(t, nil, WithHelix(hc))
	h.d.Handle(context.Background(), event("testchan", "!uptime"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 || got[0] != "testchan: Stream is not live right now, try again later!" {
		t.Fatalf("got %v", got)
	}
}

func TestBuiltinTitleFallsBackToChannelInfo(t *testing.T) {
	hc := helixServer(t, -1, "Planned title", "Chess")
	h := newHarness(t, nil, WithHelix(hc))
	h.d.Handle(context.Background(), event("testchan", "!title"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 || got[0] != "testchan: Planned title" {
		t.Fatalf("got %v", got)
	}
}

func TestScriptLookupJSON(t *testing.T) {
	hc := helixServer(t, time.Hour, "Live title", "Tetris")
	h := newHarness(t, map[string]any{
		"commands/testchan/whatgame": command.Command{
			Kind:    command.KindScript,
			Source:  "def handle(event):\n    return lookup(\"streams\", event[\"channel\"])\n",
			Enabled: true,
		},
	}, WithHelix(hc))
	h.d.Handle(context.Background(), event("testchan", "!whatgame"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 || !strings.Contains(got[0], `"game_name":"Tetris"`) {
		t.Fatalf("got %v", got)
	}
}

func TestHumanDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3 * time.Minute, "3m 0s"},
		{90 * time.Minute, "1h 30m 0s"},
		{26*time.Hour + 3*time.Second, "26h 0m 3s"},
	}
	for _, tc := range cases {
		if got := humanDuration(tc.d); got != tc.want {
			t.Errorf("humanDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func modEvent(channel, text string) Event {
	ev := event(channel, text)
	ev.Level = command.LevelModerator
	return ev
}

func TestChatCommandEditAndInvoke(t *testing.T) {
	h := newHarness(t, nil)
	h.d.Handle(context.Background(), modEvent("testchan", "!command edit greet Hello {user}!"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 || got[0] != "testchan: Command !greet updated." {
		t.Fatalf("edit reply = %v", got)
	}
	h.registry.Reload()
	h.d.Handle(context.Background(), event("testchan", "!greet"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 2 || got[1] != "testchan: Hello Ada!" {
		t.Errorf("invoke after edit = %v", got)
	}
}

func TestChatCommandAdminRequiresModerator(t *testing.T) {
	h := newHarness(t, nil)
	h.d.Handle(context.Background(), event("testchan", "!command edit greet hi"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 0 {
		t.Errorf("viewer edit produced output: %v", got)
	}
	if _, ok := h.registry.Get("testchan", "greet"); ok {
		t.Error("viewer edit wrote a command record")
	}
}

func TestChatCommandDelete(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/hello": command.Command{Kind: command.KindTemplate, Template: "hi", Enabled: true},
	})
	h.registry.Reload()
	h.d.Handle(context.Background(), modEvent("testchan", "!command delete hello"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 || got[0] != "testchan: Command !hello deleted." {
		t.Fatalf("delete reply = %v", got)
	}
	h.registry.Reload()
	h.d.Handle(context.Background(), event("testchan", "!hello"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 {
		t.Errorf("deleted command still dispatched: %v", got)
	}
}

func TestChatCommandDeleteUnknown(t *testing.T) {
	h := newHarness(t, nil)
	h.d.Handle(context.Background(), modEvent("testchan", "!command delete nosuch"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 || got[0] != "testchan: No such command !nosuch." {
		t.Errorf("reply = %v", got)
	}
}

func TestChatCommandDisableBuiltin(t *testing.T) {
	h := newHarness(t, nil)
	h.d.Handle(context.Background(), modEvent("testchan", "!command disable uptime"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 || got[0] != "testchan: Command !uptime disabled." {
		t.Fatalf("disable reply = %v", got)
	}
	h.registry.Reload()
	h.d.Handle(context.Background(), event("testchan", "!uptime"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 {
		t.Errorf("disabled builtin still dispatched: %v", got)
	}
}

func TestChatCommandEditRejectsNonTemplate(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/roll": command.Command{Kind: command.KindScript, Source: "def main():\n    return \"4\"\n", Enabled: true},
	})
	h.registry.Reload()
	h.d.Handle(context.Background(), modEvent("testchan", "!command edit roll nope"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 || got[0] != "testchan: Command !roll is not a template command." {
		t.Errorf("reply = %v", got)
	}
}

func TestChatCommandEditPreservesCount(t *testing.T) {
	h := newHarness(t, map[string]any{
		"commands/testchan/lurk": command.Command{Kind: command.KindTemplate, Template: "Lurk #{count}", Enabled: true, Count: 7},
	})
	h.registry.Reload()
	h.d.Handle(context.Background(), modEvent("testchan", "!command edit lurk Away #{count}"))
	h.d.Wait()
	h.registry.Reload()
	h.d.Handle(context.Background(), event("testchan", "!lurk"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 2 || got[1] != "testchan: Away #8" {
		t.Errorf("invoke after edit = %v", got)
	}
}

func TestChatCommandUsage(t *testing.T) {
	h := newHarness(t, nil)
	h.d.Handle(context.Background(), modEvent("testchan", "!command"))
	h.d.Wait()
	got := h.sender.all()
	if len(got) != 1 || !strings.Contains(got[0], "Usage: !command") {
		t.Errorf("reply = %v", got)
	}
}

type channelPatchRecorder struct {
	mu      sync.Mutex
	patches []map[string]string
}

func (r *channelPatchRecorder) record(p map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, p)
}

func (r *channelPatchRecorder) all() []map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]string(nil), r.patches...)
}

// helixUpdateServer serves the lookup endpoints plus the channel patch,
// recording every patch body it receives. The games endpoint only knows
// the category "Tetris".
func helixUpdateServer(t *testing.T) (*twitchapi.HelixClient, *channelPatchRecorder) {
	t.Helper()
	rec := &channelPatchRecorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"42"}]}`)
	})
	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			var p map[string]string
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				t.Errorf("decode patch: %v", err)
			}
			rec.record(p)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fmt.Fprint(w, `{"data":[{"title":"Old title","game_name":"Chess"}]}`)
	})
	mux.HandleFunc("/games", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "Tetris" {
			fmt.Fprint(w, `{"data":[{"id":"9"}]}`)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &twitchapi.HelixClient{
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test"}),
		ClientID:    "cid",
		BaseURL:     srv.URL,
	}, rec
}

func TestBuiltinTitleUpdateByModerator(t *testing.T) {
	hc, rec := helixUpdateServer(t)
	h := newHarness(t, nil, WithHelix(hc))
	h.d.Handle(context.Background(), modEvent("testchan", "!title Speedrun attempts all day"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 || got[0] != "testchan: Title updated." {
		t.Fatalf("reply = %v", got)
	}
	patches := rec.all()
	if len(patches) != 1 || patches[0]["title"] != "Speedrun attempts all day" {
		t.Errorf("patches = %v", patches)
	}
}

func TestBuiltinTitleUpdateByViewerIgnored(t *testing.T) {
	hc, rec := helixUpdateServer(t)
	h := newHarness(t, nil, WithHelix(hc))
	h.d.Handle(context.Background(), event("testchan", "!title sneaky"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 0 {
		t.Errorf("viewer update produced output: %v", got)
	}
	if patches := rec.all(); len(patches) != 0 {
		t.Errorf("viewer update reached the API: %v", patches)
	}
}

func TestBuiltinGameUpdateResolvesCategory(t *testing.T) {
	hc, rec := helixUpdateServer(t)
	h := newHarness(t, nil, WithHelix(hc))
	h.d.Handle(context.Background(), modEvent("testchan", "!game Tetris"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 || got[0] != "testchan: Game updated to Tetris." {
		t.Fatalf("reply = %v", got)
	}
	patches := rec.all()
	if len(patches) != 1 || patches[0]["game_id"] != "9" {
		t.Errorf("patches = %v", patches)
	}
}

func TestBuiltinGameUpdateUnknownCategory(t *testing.T) {
	hc, rec := helixUpdateServer(t)
	h := newHarness(t, nil, WithHelix(hc))
	h.d.Handle(context.Background(), modEvent("testchan", "!game Nonexistent"))
	h.d.Wait()
	if got := h.sender.all(); len(got) != 1 || got[0] != `testchan: No category matching "Nonexistent".` {
		t.Fatalf("reply = %v", got)
	}
	if patches := rec.all(); len(patches) != 0 {
		t.Errorf("unknown category reached the API: %v", patches)
	}
}
