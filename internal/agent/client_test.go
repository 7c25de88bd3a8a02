package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dshills/keystorm-copilot/internal/completion"
	"github.com/dshills/keystorm-copilot/internal/integration/process"
	"github.com/dshills/keystorm-copilot/internal/notify"
	"github.com/dshills/keystorm-copilot/internal/protocol"
	"github.com/dshills/keystorm-copilot/internal/rpc"
	"github.com/dshills/keystorm-copilot/internal/transport"
)

type handlerFunc func(srv *fakeServer, params json.RawMessage) (any, *rpc.Error)

// fakeServer plays the agent end of a pipe-backed client.
type fakeServer struct {
	dec      *rpc.Decoder
	w        io.WriteCloser
	handlers map[string]handlerFunc

	writeMu sync.Mutex
	inbox   chan *rpc.Message
}

func connectFake(t *testing.T, handlers map[string]handlerFunc, opts ...Option) (*Client, *fakeServer) {
	t.Helper()

	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	srv := &fakeServer{
		dec:      rpc.NewDecoder(c2sR),
		w:        s2cW,
		handlers: handlers,
		inbox:    make(chan *rpc.Message, 64),
	}
	go srv.serve()

	c, err := Connect(func(o ...transport.Option) (*transport.Transport, error) {
		o = append(o, transport.WithShutdownGrace(300*time.Millisecond))
		return transport.New(s2cR, c2sW, nil, o...), nil
	}, opts...)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		s2cW.Close()
	})
	return c, srv
}

func (s *fakeServer) serve() {
	for {
		raw, err := s.dec.Decode()
		if err != nil {
			return
		}
		msg, err := rpc.Parse(raw)
		if err != nil {
			continue
		}
		if msg.Kind != rpc.KindRequest {
			s.inbox <- msg
			continue
		}
		h, ok := s.handlers[msg.Method]
		if !ok {
			continue
		}
		result, rerr := h(s, msg.Params)
		var out rpc.Message
		if rerr != nil {
			out, _ = rpc.BuildError(msg.ID, rerr.Code, rerr.Message)
		} else {
			out, _ = rpc.BuildResponse(msg.ID, result)
		}
		s.send(out)
	}
}

func (s *fakeServer) send(msg rpc.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	frame, err := rpc.Encode(msg)
	if err != nil {
		panic(err)
	}
	_, _ = s.w.Write(frame)
}

func (s *fakeServer) notify(method string, params any) {
	msg, err := rpc.BuildNotification(method, params)
	if err != nil {
		panic(err)
	}
	s.send(msg)
}

func (s *fakeServer) next(t *testing.T) *rpc.Message {
	t.Helper()
	select {
	case msg := <-s.inbox:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message from client")
		return nil
	}
}

func reply(v any) handlerFunc {
	return func(*fakeServer, json.RawMessage) (any, *rpc.Error) { return v, nil }
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_InitializeAndCheckStatus(t *testing.T) {
	var accounts []Account
	var mu sync.Mutex
	c, srv := connectFake(t, map[string]handlerFunc{
		"initialize":  reply(map[string]any{"capabilities": map[string]any{}, "serverInfo": map[string]string{"name": "agent", "version": "1.2.3"}}),
		"checkStatus": reply(protocol.StatusResult{Status: "OK", User: "octocat"}),
	}, WithClientInfo(protocol.NameVersion{Name: "keystorm", Version: "0.9"}), WithAccountHandler(func(a Account) {
		mu.Lock()
		accounts = append(accounts, a)
		mu.Unlock()
	}))

	ctx := context.Background()
	res, err := c.Initialize(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if res.ServerInfo == nil || res.ServerInfo.Version != "1.2.3" {
		t.Errorf("ServerInfo = %+v", res.ServerInfo)
	}
	if note := srv.next(t); note.Method != "initialized" || note.Kind != rpc.KindNotification {
		t.Errorf("after initialize got %+v", note)
	}

	if c.SignedIn() {
		t.Fatal("SignedIn() = true before checkStatus")
	}
	acct, err := c.CheckStatus(ctx, true)
	if err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}
	if !acct.SignedIn || acct.User != "octocat" || acct.Status != "OK" {
		t.Errorf("account = %+v", acct)
	}
	if !c.SignedIn() {
		t.Error("SignedIn() = false after OK status")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(accounts) != 1 || accounts[0].User != "octocat" {
		t.Errorf("account handler saw %+v", accounts)
	}
}

func TestClient_SignInFlow(t *testing.T) {
	var confirmed string
	c, _ := connectFake(t, map[string]handlerFunc{
		"signInInitiate": reply(protocol.SignInResult{Status: "PromptUserDeviceFlow", UserCode: "ABCD-1234", VerificationURI: "https://github.com/login/device"}),
		"signInConfirm": func(_ *fakeServer, params json.RawMessage) (any, *rpc.Error) {
			var p protocol.SignInConfirmParams
			json.Unmarshal(params, &p)
			confirmed = p.UserCode
			return protocol.StatusResult{Status: "OK", User: "octocat"}, nil
		},
		"signOut": reply(protocol.StatusResult{Status: "NotSignedIn"}),
	})
	ctx := context.Background()

	start, err := c.SignInInitiate(ctx)
	if err != nil {
		t.Fatalf("SignInInitiate() error = %v", err)
	}
	if start.UserCode != "ABCD-1234" || c.SignedIn() {
		t.Fatalf("SignInInitiate() = %+v, signed in %v", start, c.SignedIn())
	}

	if _, err := c.SignInConfirm(ctx, ""); !errors.Is(err, ErrNoUserCode) {
		t.Errorf("SignInConfirm(\"\") error = %v, want ErrNoUserCode", err)
	}
	acct, err := c.SignInConfirm(ctx, start.UserCode)
	if err != nil {
		t.Fatalf("SignInConfirm() error = %v", err)
	}
	if confirmed != "ABCD-1234" || !acct.SignedIn {
		t.Errorf("confirmed %q, account %+v", confirmed, acct)
	}

	acct, err = c.SignOut(ctx)
	if err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if acct.SignedIn || acct.Status != "NotSignedIn" {
		t.Errorf("account after sign out = %+v", acct)
	}
}

func TestClient_AlreadySignedIn(t *testing.T) {
	c, _ := connectFake(t, map[string]handlerFunc{
		"signInInitiate": reply(protocol.SignInResult{Status: "AlreadySignedIn", User: "octocat"}),
	})
	if _, err := c.SignInInitiate(context.Background()); err != nil {
		t.Fatalf("SignInInitiate() error = %v", err)
	}
	if !c.SignedIn() {
		t.Error("SignedIn() = false after AlreadySignedIn")
	}
}

func TestClient_ErrorReply(t *testing.T) {
	c, _ := connectFake(t, map[string]handlerFunc{
		"getVersion": func(*fakeServer, json.RawMessage) (any, *rpc.Error) {
			return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: "no version"}
		},
	})

	_, err := c.GetVersion(context.Background())
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeInternalError {
		t.Errorf("GetVersion() error = %v, want rpc internal error", err)
	}
}

func TestClient_GetVersion(t *testing.T) {
	c, _ := connectFake(t, map[string]handlerFunc{
		"getVersion": reply(protocol.VersionResult{Version: "1.40.0", BuildType: "prod", RuntimeVersion: "node/20"}),
	})
	v, err := c.GetVersion(context.Background())
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if v.Version != "1.40.0" || v.RuntimeVersion != "node/20" {
		t.Errorf("GetVersion() = %+v", v)
	}
}

func TestClient_ContextDeadline(t *testing.T) {
	c, _ := connectFake(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.CheckStatus(ctx, false); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CheckStatus() error = %v, want DeadlineExceeded", err)
	}
}

func TestClient_CallTimeout(t *testing.T) {
	c, _ := connectFake(t, nil, WithCallTimeout(30*time.Millisecond))
	if _, err := c.GetVersion(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GetVersion() error = %v, want DeadlineExceeded", err)
	}
}

func TestClient_AnswersServerRequests(t *testing.T) {
	_, srv := connectFake(t, nil)

	req, _ := rpc.BuildRequest("client/registerCapability", rpc.IntID(7), map[string]any{"registrations": []any{}})
	srv.send(req)
	got := srv.next(t)
	if got.Kind != rpc.KindResponse || got.ID != rpc.IntID(7) || string(got.Result) != "null" {
		t.Errorf("reply = %+v", got)
	}

	req, _ = rpc.BuildRequest("workspace/applyEdit", rpc.StringID("x"), map[string]any{})
	srv.send(req)
	got = srv.next(t)
	if got.Kind != rpc.KindError || got.ID != rpc.StringID("x") || got.Error.Code != rpc.CodeMethodNotFound {
		t.Errorf("reply = %+v", got)
	}
}

func TestClient_Notifications(t *testing.T) {
	c, srv := connectFake(t, nil)

	srv.notify("statusNotification", protocol.StatusNotificationParams{Status: "Warning", Message: "quota"})
	srv.notify("featureFlagsNotification", map[string]bool{"chat": true})

	eventually(t, func() bool { return c.Account().ServiceStatus == "Warning" && c.FeatureEnabled("chat") })
	if c.Account().ServiceMessage != "quota" {
		t.Errorf("ServiceMessage = %q", c.Account().ServiceMessage)
	}
	if c.FeatureEnabled("ic") {
		t.Error("FeatureEnabled(ic) = true")
	}
}

func TestClient_ProgressRouting(t *testing.T) {
	c, srv := connectFake(t, nil)

	got := make(chan string, 1)
	unregister := c.Dispatcher().RegisterProgress("copilot_chat://", func(p notify.Progress) {
		got <- p.Token
	})
	defer unregister()

	srv.notify("$/progress", protocol.ProgressParams{Token: "copilot_chat://1", Value: json.RawMessage(`{"kind":"begin"}`)})
	select {
	case token := <-got:
		if token != "copilot_chat://1" {
			t.Errorf("token = %q", token)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("progress not routed")
	}
}

type panelEditor struct{}

func (panelEditor) Document(completion.ViewID) (protocol.Doc, error) {
	return protocol.Doc{Source: "x := ", Path: "/tmp/a.go", LanguageID: "go"}, nil
}
func (panelEditor) Cursor(completion.ViewID) (protocol.Position, error) {
	return protocol.Position{Line: 0, Character: 5}, nil
}
func (panelEditor) Replace(completion.ViewID, protocol.Range, string) error { return nil }

func TestClient_PanelNotificationsReachManager(t *testing.T) {
	c, _ := connectFake(t, map[string]handlerFunc{
		"checkStatus": reply(protocol.StatusResult{Status: "OK"}),
		"getPanelCompletions": func(srv *fakeServer, params json.RawMessage) (any, *rpc.Error) {
			var p protocol.PanelParams
			json.Unmarshal(params, &p)
			srv.notify("PanelSolution", protocol.PanelSolutionParams{PanelID: p.PanelID, SolutionID: "s1", CompletionText: "42", Score: 0.4})
			srv.notify("PanelSolution", protocol.PanelSolutionParams{PanelID: p.PanelID, SolutionID: "s2", CompletionText: "43", Score: 0.8})
			srv.notify("PanelSolutionsDone", protocol.PanelSolutionsDoneParams{PanelID: p.PanelID})
			return protocol.PanelResult{SolutionCountTarget: 2}, nil
		},
	})
	if _, err := c.CheckStatus(context.Background(), false); err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}

	loop := completion.NewLoop(nil)
	m := c.Completions(panelEditor{}, loop)
	if again := c.Completions(panelEditor{}, loop); again != m {
		t.Error("Completions() created a second manager")
	}

	if _, err := m.OpenPanel("v1"); err != nil {
		t.Fatalf("OpenPanel() error = %v", err)
	}

	var snap completion.PanelSnapshot
	eventually(t, func() bool {
		loop.Drain()
		snap = m.Panel("v1")
		return !snap.Streaming && snap.Target == 2
	})
	if len(snap.Solutions) != 2 || snap.Solutions[0].SolutionID != "s2" {
		t.Errorf("solutions = %+v", snap.Solutions)
	}
}

func TestClient_CompletionsGatedOnAccount(t *testing.T) {
	c, _ := connectFake(t, nil)
	loop := completion.NewLoop(nil)
	m := c.Completions(panelEditor{}, loop)

	if _, err := m.OpenPanel("v1"); !errors.Is(err, completion.ErrDisabled) {
		t.Errorf("OpenPanel() error = %v, want ErrDisabled", err)
	}
}

func TestClient_CloseResetsAccount(t *testing.T) {
	c, _ := connectFake(t, map[string]handlerFunc{
		"checkStatus": reply(protocol.StatusResult{Status: "OK"}),
	})
	c.CheckStatus(context.Background(), false)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() not closed after Close")
	}
	eventually(t, func() bool { return !c.SignedIn() })
	if _, err := c.GetVersion(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("GetVersion() after Close error = %v, want ErrClosed", err)
	}
}

func TestStart_SpawnError(t *testing.T) {
	_, err := Start(process.Command{Path: "/nonexistent/copilot-agent"})
	var spawnErr *process.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Errorf("Start() error = %v, want *process.SpawnError", err)
	}
}
