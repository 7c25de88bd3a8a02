// Package protocol defines the wire types exchanged with the completion
// agent: request parameters and results, server notification payloads, and
// the document snapshot sent with every completion request.
package protocol

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// Client-to-agent request methods.
const (
	MethodInitialize            = "initialize"
	MethodSetEditorInfo         = "setEditorInfo"
	MethodCheckStatus           = "checkStatus"
	MethodSignInInitiate        = "signInInitiate"
	MethodSignInConfirm         = "signInConfirm"
	MethodSignOut               = "signOut"
	MethodGetVersion            = "getVersion"
	MethodGetCompletions        = "getCompletions"
	MethodGetCompletionsCycling = "getCompletionsCycling"
	MethodGetPanelCompletions   = "getPanelCompletions"
	MethodNotifyShown           = "notifyShown"
	MethodNotifyAccepted        = "notifyAccepted"
	MethodNotifyRejected        = "notifyRejected"
	MethodInitialized           = "initialized"
)

// Agent-to-client notification methods.
const (
	MethodLogMessage         = "LogMessage"
	MethodWindowLogMessage   = "window/logMessage"
	MethodStatusNotification = "statusNotification"
	MethodFeatureFlags       = "featureFlagsNotification"
	MethodPanelSolution      = "PanelSolution"
	MethodPanelSolutionsDone = "PanelSolutionsDone"
	MethodProgress           = "$/progress"
)

// Agent-to-client request methods.
const (
	MethodRegisterCapability     = "client/registerCapability"
	MethodUnregisterCapability   = "client/unregisterCapability"
	MethodShowMessageRequest     = "window/showMessageRequest"
	MethodWorkspaceConfiguration = "workspace/configuration"
	MethodWorkDoneProgressCreate = "window/workDoneProgress/create"
)

// DocumentURI is a file:// URI.
type DocumentURI string

// Position is a zero-based line and character offset.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Before reports whether p sorts before o.
func (p Position) Before(o Position) bool {
	return p.Line < o.Line || (p.Line == o.Line && p.Character < o.Character)
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Doc is the document snapshot carried by completion requests.
type Doc struct {
	Source       string      `json:"source"`
	TabSize      int         `json:"tabSize"`
	IndentSize   int         `json:"indentSize"`
	InsertSpaces bool        `json:"insertSpaces"`
	Path         string      `json:"path"`
	URI          DocumentURI `json:"uri"`
	RelativePath string      `json:"relativePath"`
	LanguageID   string      `json:"languageId"`
	Position     Position    `json:"position"`
}

// Indent describes a view's indentation settings.
type Indent struct {
	TabSize      int
	InsertSpaces bool
}

// NewDoc builds a snapshot of the file at path. root, when set, is used to
// compute the relative path.
func NewDoc(root, path, source string, pos Position, indent Indent) Doc {
	rel := filepath.Base(path)
	if root != "" {
		if r, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	tab := indent.TabSize
	if tab <= 0 {
		tab = 4
	}
	return Doc{
		Source:       source,
		TabSize:      tab,
		IndentSize:   tab,
		InsertSpaces: indent.InsertSpaces,
		Path:         path,
		URI:          FileURI(path),
		RelativePath: filepath.ToSlash(rel),
		LanguageID:   LanguageID(path),
		Position:     pos,
	}
}

// DocParams wraps a Doc for getCompletions and getCompletionsCycling.
type DocParams struct {
	Doc Doc `json:"doc"`
}

// PanelParams is the getPanelCompletions request.
type PanelParams struct {
	Doc     Doc    `json:"doc"`
	PanelID string `json:"panelId"`
}

// PanelResult is the immediate reply to getPanelCompletions.
type PanelResult struct {
	SolutionCountTarget int `json:"solutionCountTarget"`
}

// CompletionItem is one completion as sent by the agent.
type CompletionItem struct {
	UUID        string   `json:"uuid"`
	Text        string   `json:"text"`
	DisplayText string   `json:"displayText"`
	Position    Position `json:"position"`
	Range       Range    `json:"range"`
	DocVersion  int      `json:"docVersion,omitempty"`
}

// CompletionsResult is the reply to getCompletions and getCompletionsCycling.
type CompletionsResult struct {
	Completions []CompletionItem `json:"completions"`
}

// UUIDParams is the notifyShown and notifyAccepted payload.
type UUIDParams struct {
	UUID string `json:"uuid"`
}

// UUIDsParams is the notifyRejected payload.
type UUIDsParams struct {
	UUIDs []string `json:"uuids"`
}

// NameVersion names a piece of software.
type NameVersion struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is the initialize request.
type InitializeParams struct {
	ProcessID    int            `json:"processId"`
	ClientInfo   NameVersion    `json:"clientInfo"`
	RootURI      DocumentURI    `json:"rootUri,omitempty"`
	Capabilities map[string]any `json:"capabilities"`
}

// InitializeResult is the initialize reply.
type InitializeResult struct {
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo   *NameVersion    `json:"serverInfo,omitempty"`
}

// EditorInfoParams is the setEditorInfo request.
type EditorInfoParams struct {
	EditorInfo          NameVersion    `json:"editorInfo"`
	EditorPluginInfo    NameVersion    `json:"editorPluginInfo"`
	EditorConfiguration map[string]any `json:"editorConfiguration,omitempty"`
	NetworkProxy        *NetworkProxy  `json:"networkProxy,omitempty"`
}

// NetworkProxy configures the agent's outbound proxy.
type NetworkProxy struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Username           string `json:"username,omitempty"`
	Password           string `json:"password,omitempty"`
	RejectUnauthorized bool   `json:"rejectUnauthorized"`
}

// CheckStatusParams is the checkStatus request.
type CheckStatusParams struct {
	LocalChecksOnly bool `json:"localChecksOnly"`
}

// StatusResult is returned by checkStatus, signInConfirm and signOut.
type StatusResult struct {
	Status string `json:"status"`
	User   string `json:"user,omitempty"`
}

// SignInResult is the reply to signInInitiate.
type SignInResult struct {
	Status          string `json:"status"`
	User            string `json:"user,omitempty"`
	UserCode        string `json:"userCode,omitempty"`
	VerificationURI string `json:"verificationUri,omitempty"`
	ExpiresIn       int    `json:"expiresIn,omitempty"`
	Interval        int    `json:"interval,omitempty"`
}

// SignInConfirmParams is the signInConfirm request.
type SignInConfirmParams struct {
	UserCode string `json:"userCode"`
}

// VersionResult is the reply to getVersion.
type VersionResult struct {
	Version        string `json:"version"`
	BuildType      string `json:"buildType,omitempty"`
	RuntimeVersion string `json:"runtimeVersion,omitempty"`
}

// Account status values reported by the agent.
const (
	StatusOK            = "OK"
	StatusAlreadySignIn = "AlreadySignedIn"
	StatusMaybeOK       = "MaybeOk"
	StatusNotSignedIn   = "NotSignedIn"
	StatusNotAuthorized = "NotAuthorized"
	StatusPromptUser    = "PromptUserDeviceFlow"
)

// SignedIn reports whether status means a usable account.
func SignedIn(status string) bool {
	switch status {
	case StatusOK, StatusAlreadySignIn, StatusMaybeOK:
		return true
	}
	return false
}

// LogMessageParams is the agent's LogMessage notification.
type LogMessageParams struct {
	Level       int             `json:"level"`
	Message     string          `json:"message"`
	MetadataStr string          `json:"metadataStr,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// WindowLogMessageParams is the LSP window/logMessage notification.
type WindowLogMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// StatusNotificationParams is the statusNotification payload.
type StatusNotificationParams struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PanelSolutionParams is one streamed panel solution.
type PanelSolutionParams struct {
	PanelID        string  `json:"panelId"`
	CompletionText string  `json:"completionText"`
	DisplayText    string  `json:"displayText"`
	Score          float64 `json:"score"`
	SolutionID     string  `json:"solutionId"`
	Range          Range   `json:"range"`
}

// PanelSolutionsDoneParams ends a panel stream.
type PanelSolutionsDoneParams struct {
	PanelID string `json:"panelId"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProgressParams is the generic $/progress payload.
type ProgressParams struct {
	Token string          `json:"token"`
	Value json.RawMessage `json:"value"`
}

// ShowMessageRequestParams is window/showMessageRequest.
type ShowMessageRequestParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
	Actions []struct {
		Title string `json:"title"`
	} `json:"actions,omitempty"`
}

// ConfigurationParams is workspace/configuration.
type ConfigurationParams struct {
	Items []ConfigurationItem `json:"items"`
}

// ConfigurationItem names one requested configuration section.
type ConfigurationItem struct {
	ScopeURI DocumentURI `json:"scopeUri,omitempty"`
	Section  string      `json:"section,omitempty"`
}

// FileURI converts a file path to a file:// URI.
func FileURI(path string) DocumentURI {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.ToSlash(path)
	if runtime.GOOS == "windows" && len(path) >= 2 && path[1] == ':' {
		path = "/" + path
	}
	return DocumentURI((&url.URL{Scheme: "file", Path: path}).String())
}

// Path converts a file:// URI back to a file path. Other URIs are returned
// unchanged.
func (u DocumentURI) Path() string {
	parsed, err := url.Parse(string(u))
	if err != nil || parsed.Scheme != "file" {
		return string(u)
	}
	p := parsed.Path
	if runtime.GOOS == "windows" && len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

var languageByExt = map[string]string{
	".go": "go", ".rs": "rust", ".py": "python", ".rb": "ruby",
	".js": "javascript", ".jsx": "javascriptreact",
	".ts": "typescript", ".tsx": "typescriptreact",
	".java": "java", ".kt": "kotlin", ".swift": "swift",
	".c": "c", ".h": "c", ".cpp": "cpp", ".cc": "cpp", ".hpp": "cpp",
	".cs": "csharp", ".php": "php", ".lua": "lua", ".sh": "shellscript",
	".json": "json", ".yaml": "yaml", ".yml": "yaml", ".toml": "toml",
	".md": "markdown", ".html": "html", ".css": "css", ".sql": "sql",
}

// LanguageID returns the language identifier for path, or "plaintext".
func LanguageID(path string) string {
	if id, ok := languageByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return id
	}
	return "plaintext"
}
