package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dshills/keystorm-copilot/internal/completion"
	"github.com/dshills/keystorm-copilot/internal/integration/process"
	"github.com/dshills/keystorm-copilot/internal/logging"
	"github.com/dshills/keystorm-copilot/internal/notify"
	"github.com/dshills/keystorm-copilot/internal/protocol"
	"github.com/dshills/keystorm-copilot/internal/rpc"
	"github.com/dshills/keystorm-copilot/internal/transport"
)

// Account is the connection's view of the signed-in account and the
// agent's service health.
type Account struct {
	Status   string
	User     string
	SignedIn bool

	// ServiceStatus and ServiceMessage come from statusNotification.
	ServiceStatus  string
	ServiceMessage string
}

// Dialer opens the transport for a client. It must pass opts through to
// the transport constructor.
type Dialer func(opts ...transport.Option) (*transport.Transport, error)

// Client is one live connection to the agent. It owns the account state for
// that connection: created when the connection starts, discarded when it
// stops. Client is safe for concurrent use.
type Client struct {
	tr     *transport.Transport
	disp   *notify.Dispatcher
	logger *slog.Logger

	clientInfo  protocol.NameVersion
	callTimeout time.Duration
	trOpts      []transport.Option
	onAccount   func(Account)

	// ready is closed once tr is set; the reader may deliver before that.
	ready chan struct{}

	mu          sync.RWMutex
	account     Account
	flags       notify.FeatureFlags
	completions *completion.Manager
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Agent log lines and stderr are re-logged here.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrDiscard(l)
	}
}

// WithClientInfo sets the name and version sent with initialize.
func WithClientInfo(info protocol.NameVersion) Option {
	return func(c *Client) {
		c.clientInfo = info
	}
}

// WithCallTimeout bounds each typed request when its context has no
// deadline. Zero leaves the context alone.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithTransportOptions passes extra options to the transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) {
		c.trOpts = append(c.trOpts, opts...)
	}
}

// WithAccountHandler is called after every account change.
func WithAccountHandler(fn func(Account)) Option {
	return func(c *Client) {
		c.onAccount = fn
	}
}

// Start spawns the agent described by cmd and connects to it.
func Start(cmd process.Command, opts ...Option) (*Client, error) {
	return Connect(func(o ...transport.Option) (*transport.Transport, error) {
		return transport.Start(cmd, o...)
	}, opts...)
}

// Connect builds a client over the transport returned by dial.
func Connect(dial Dialer, opts ...Option) (*Client, error) {
	c := &Client{
		logger:     logging.Discard(),
		clientInfo: protocol.NameVersion{Name: "keystorm"},
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.disp = notify.NewDispatcher(notify.Handlers{
		Status:             c.onStatus,
		FeatureFlags:       c.onFeatureFlags,
		PanelSolution:      c.onPanelSolution,
		PanelSolutionsDone: c.onPanelSolutionsDone,
	}, notify.WithLogger(c.logger))

	trOpts := append([]transport.Option{
		transport.WithLogger(c.logger),
		transport.WithPayloadHandler(c.onPayload),
		transport.WithCloseHandler(c.onClose),
	}, c.trOpts...)

	tr, err := dial(trOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect agent: %w", err)
	}
	c.tr = tr
	close(c.ready)
	return c, nil
}

// Transport returns the underlying transport.
func (c *Client) Transport() *transport.Transport {
	return c.tr
}

// Dispatcher returns the notification dispatcher, for registering progress
// routes.
func (c *Client) Dispatcher() *notify.Dispatcher {
	return c.disp
}

// Done is closed once the connection has closed.
func (c *Client) Done() <-chan struct{} {
	return c.tr.Done()
}

// Account returns the current account state.
func (c *Client) Account() Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// SignedIn reports whether the account can request completions.
func (c *Client) SignedIn() bool {
	return c.Account().SignedIn
}

// FeatureEnabled reports whether the agent turned flag on.
func (c *Client) FeatureEnabled(flag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags.Enabled(flag)
}

// Completions returns the connection's completion manager, creating it on
// first use. Triggers are gated on the account being signed in, and panel
// notifications from the agent are forwarded to it.
func (c *Client) Completions(editor completion.Editor, exec completion.Executor, opts ...completion.Option) *completion.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completions == nil {
		opts = append([]completion.Option{
			completion.WithLogger(c.logger),
			completion.WithEnabled(c.SignedIn),
		}, opts...)
		c.completions = completion.NewManager(c.tr, editor, exec, opts...)
	}
	return c.completions
}

// Initialize performs the initialize handshake and sends initialized.
func (c *Client) Initialize(ctx context.Context, root string) (protocol.InitializeResult, error) {
	params := protocol.InitializeParams{
		ProcessID:  os.Getpid(),
		ClientInfo: c.clientInfo,
		Capabilities: map[string]any{
			"workspace": map[string]any{"workspaceFolders": true},
		},
	}
	if root != "" {
		params.RootURI = protocol.FileURI(root)
	}

	var result protocol.InitializeResult
	if err := c.call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return result, err
	}
	if err := c.tr.SendNotification(protocol.MethodInitialized, struct{}{}); err != nil {
		return result, fmt.Errorf("%s: %w", protocol.MethodInitialized, err)
	}
	return result, nil
}

// SetEditorInfo tells the agent which editor and plugin it serves.
func (c *Client) SetEditorInfo(ctx context.Context, info protocol.EditorInfoParams) error {
	return c.call(ctx, protocol.MethodSetEditorInfo, info, nil)
}

// CheckStatus asks the agent for the account status.
func (c *Client) CheckStatus(ctx context.Context, localChecksOnly bool) (Account, error) {
	var result protocol.StatusResult
	if err := c.call(ctx, protocol.MethodCheckStatus, protocol.CheckStatusParams{LocalChecksOnly: localChecksOnly}, &result); err != nil {
		return c.Account(), err
	}
	return c.setStatus(result.Status, result.User), nil
}

// SignInInitiate starts the device sign-in flow. An already signed-in
// account is recorded and returned with an empty user code.
func (c *Client) SignInInitiate(ctx context.Context) (protocol.SignInResult, error) {
	var result protocol.SignInResult
	if err := c.call(ctx, protocol.MethodSignInInitiate, struct{}{}, &result); err != nil {
		return result, err
	}
	if result.Status == protocol.StatusAlreadySignIn {
		c.setStatus(result.Status, result.User)
	}
	return result, nil
}

// SignInConfirm completes the device flow for userCode.
func (c *Client) SignInConfirm(ctx context.Context, userCode string) (Account, error) {
	if userCode == "" {
		return c.Account(), ErrNoUserCode
	}
	var result protocol.StatusResult
	if err := c.call(ctx, protocol.MethodSignInConfirm, protocol.SignInConfirmParams{UserCode: userCode}, &result); err != nil {
		return c.Account(), err
	}
	return c.setStatus(result.Status, result.User), nil
}

// SignOut signs the account out.
func (c *Client) SignOut(ctx context.Context) (Account, error) {
	var result protocol.StatusResult
	if err := c.call(ctx, protocol.MethodSignOut, struct{}{}, &result); err != nil {
		return c.Account(), err
	}
	if result.Status == "" {
		result.Status = protocol.StatusNotSignedIn
	}
	return c.setStatus(result.Status, result.User), nil
}

// GetVersion returns the agent's version.
func (c *Client) GetVersion(ctx context.Context) (protocol.VersionResult, error) {
	var result protocol.VersionResult
	err := c.call(ctx, protocol.MethodGetVersion, struct{}{}, &result)
	return result, err
}

// Close stops the completion manager and closes the connection. It blocks
// until the agent is reaped, so account and notification callbacks must
// not call it.
func (c *Client) Close() error {
	c.mu.Lock()
	m := c.completions
	c.mu.Unlock()
	if m != nil {
		m.Close()
	}
	if c.tr == nil {
		return nil
	}
	return c.tr.Close()
}

// call sends a request and waits for its reply or ctx.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	replies := make(chan rpc.Response, 1)
	if _, err := c.tr.SendRequest(method, params, func(r rpc.Response) {
		replies <- r
	}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case r := <-replies:
		if r.Err != nil {
			return fmt.Errorf("%s: %w", method, r.Err)
		}
		if result == nil || len(r.Result) == 0 || string(r.Result) == "null" {
			return nil
		}
		if err := json.Unmarshal(r.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

// onPayload runs on the transport's reader goroutine.
func (c *Client) onPayload(method string, msg *rpc.Message) {
	if msg.Kind != rpc.KindRequest {
		c.disp.Dispatch(method, msg.Params)
		return
	}

	result, err := c.disp.HandleRequest(method, msg.Params)
	<-c.ready
	if err == nil {
		err = c.tr.Reply(msg.ID, result)
	} else {
		code, data := rpc.CodeInternalError, err.Error()
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			code, data = rpcErr.Code, rpcErr.Message
		}
		err = c.tr.ReplyError(msg.ID, code, data)
	}
	if err != nil {
		c.logger.Debug("reply to agent request failed", "method", method, "error", err)
	}
}

func (c *Client) onClose(exitCode int, err error) {
	if err != nil {
		c.logger.Warn("agent connection lost", "exit_code", exitCode, "error", err)
	}
	c.mu.Lock()
	c.account = Account{}
	c.mu.Unlock()
	c.notifyAccount()
}

func (c *Client) onStatus(s notify.Status) {
	c.mu.Lock()
	c.account.ServiceStatus = s.Status
	c.account.ServiceMessage = s.Message
	c.mu.Unlock()
	c.notifyAccount()
}

func (c *Client) onFeatureFlags(f notify.FeatureFlags) {
	c.mu.Lock()
	c.flags = f
	c.mu.Unlock()
}

func (c *Client) onPanelSolution(s notify.PanelSolution) {
	if m := c.manager(); m != nil {
		m.OnPanelSolution(s.PanelSolutionParams)
	}
}

func (c *Client) onPanelSolutionsDone(d notify.PanelSolutionsDone) {
	if m := c.manager(); m != nil {
		m.OnPanelSolutionsDone(d.PanelSolutionsDoneParams)
	}
}

func (c *Client) manager() *completion.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completions
}

func (c *Client) setStatus(status, user string) Account {
	c.mu.Lock()
	c.account.Status = status
	c.account.User = user
	c.account.SignedIn = protocol.SignedIn(status)
	a := c.account
	c.mu.Unlock()
	c.notifyAccount()
	return a
}

func (c *Client) notifyAccount() {
	if c.onAccount != nil {
		c.onAccount(c.Account())
	}
}
