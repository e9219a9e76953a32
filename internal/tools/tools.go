// Package tools defines the fixed tool capability set the Model Runtime
// Adapter mounts for every turn and the permission policy that decides
// which invocations require a prompt. The capability table is table-
// driven the way agtmux's internal/provideradapters.Registry maps a
// provider key to an adapter; the detected-config-root check for file
// writes follows the home/state-dir detection agtmux's internal/config
// and internal/integration/install.go use for locating managed files.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jelly-j/jellyj/internal/config"
	"github.com/jelly-j/jellyj/internal/jlyerr"
	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/pluginrpc"
	"github.com/jelly-j/jellyj/internal/procrunner"
)

// Name is one of the closed set of tool names mounted on every turn.
type Name string

const (
	WorkspaceRenameTab = Name("workspace.rename_tab")
	WorkspaceMovePane  = Name("workspace.move_pane")
	WorkspaceHidePane  = Name("workspace.hide_pane")
	WorkspaceShowPane  = Name("workspace.show_pane")

	FSReadFile  = Name("fs.read_file")
	FSWriteFile = Name("fs.write_file")
	FSListDir   = Name("fs.list_dir")

	ExecRunCommand = Name("exec.run_command")

	KnowledgeLookup = Name("knowledge.lookup")
)

// Descriptor names every mounted tool, for wiring into the adapter's tool
// manifest.
var Descriptors = []Name{
	WorkspaceRenameTab,
	WorkspaceMovePane,
	WorkspaceHidePane,
	WorkspaceShowPane,
	FSReadFile,
	FSWriteFile,
	FSListDir,
	ExecRunCommand,
	KnowledgeLookup,
}

// ConfigRoots are the directories a file write is allowed to touch
// without prompting. Typically the state directory and the caller's
// reported cwd.
type ConfigRoots []string

// Policy decides whether a tool invocation requires a permission prompt.
type Policy struct {
	Roots ConfigRoots
}

func NewPolicy(roots ...string) Policy {
	return Policy{Roots: roots}
}

// RequiresPrompt reports whether invoking name with the given target path
// (meaningful only for fs.write_file; ignored otherwise) must prompt
// before running. Shell execution always prompts; writes outside a
// detected config root always prompt; everything else runs silently,
// per spec.md §4.6.
func (p Policy) RequiresPrompt(name Name, writeTargetPath string) bool {
	switch name {
	case ExecRunCommand:
		return true
	case FSWriteFile:
		return !p.withinConfigRoot(writeTargetPath)
	default:
		return false
	}
}

func (p Policy) withinConfigRoot(path string) bool {
	if path == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range p.Roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// KnowledgeLookup is out of scope for v1 — jellyj mounts the tool name so
// the model can discover it exists, but every invocation resolves to a
// stub result stating the capability is unavailable, rather than the
// daemon rejecting the tool_use outright.
const KnowledgeLookupStubResult = "knowledge lookup is not available in this deployment"

// PermissionPrompt is consulted whenever Policy.RequiresPrompt says an
// invocation needs one. detail is a human-readable description of the
// action for whatever surface shows the prompt (currently the daemon
// just denies by default; wiring a real prompt surface is future work,
// see DESIGN.md).
type PermissionPrompt func(ctx context.Context, name Name, detail string) (granted bool, err error)

// AlwaysDeny is the default PermissionPrompt: deny every prompted
// action rather than silently allowing it when no interactive surface
// is wired up.
func AlwaysDeny(ctx context.Context, name Name, detail string) (bool, error) {
	return false, nil
}

// Toolset is the daemon's single live instance of the capability set:
// Policy decides what needs a prompt, Toolset is what actually runs
// each tool against the butler plugin (workspace.*), the filesystem
// (fs.*), and a subprocess (exec.run_command).
type Toolset struct {
	cfg    config.Config
	policy Policy
	plugin *pluginrpc.Client
	exec   *procrunner.Executor
	prompt PermissionPrompt
	log    *zap.Logger
}

// New builds a Toolset from cfg.ConfigRoots (the default-deny
// PermissionPrompt can be overridden with WithPrompt).
func New(cfg config.Config, plugin *pluginrpc.Client, exec *procrunner.Executor, log *zap.Logger) *Toolset {
	return &Toolset{
		cfg:    cfg,
		policy: NewPolicy(cfg.ConfigRoots...),
		plugin: plugin,
		exec:   exec,
		prompt: AlwaysDeny,
		log:    log,
	}
}

// WithPrompt overrides the PermissionPrompt, for wiring in a real
// interactive surface (or a fake, in tests).
func (t *Toolset) WithPrompt(prompt PermissionPrompt) *Toolset {
	t.prompt = prompt
	return t
}

func (t *Toolset) authorize(ctx context.Context, name Name, writeTargetPath, detail string) error {
	if !t.policy.RequiresPrompt(name, writeTargetPath) {
		return nil
	}
	granted, err := t.prompt(ctx, name, detail)
	if err != nil {
		return err
	}
	if !granted {
		t.log.Warn("tool invocation denied", zap.String("tool", string(name)), zap.String("detail", detail))
		return jlyerr.Permissionf("tools.authorize", "%s denied: %s", name, detail)
	}
	return nil
}

// Authorize is the generic entry point for a permission prompt the Model
// Runtime itself raises via a control_request naming one of the mounted
// tools, as opposed to the typed methods below, which call the private
// authorize when jellyj's own dispatch invokes a tool on the model's
// behalf. rawName arrives off the wire as plain text, so an unrecognized
// name simply falls through Policy's default case and never prompts.
func (t *Toolset) Authorize(ctx context.Context, rawName, reason string) (bool, error) {
	name := Name(rawName)
	if !t.policy.RequiresPrompt(name, "") {
		return true, nil
	}
	granted, err := t.prompt(ctx, name, reason)
	if err != nil {
		return false, err
	}
	if !granted {
		t.log.Warn("tool invocation denied", zap.String("tool", rawName), zap.String("reason", reason))
	}
	return granted, nil
}

// RenameTab implements workspace.rename_tab.
func (t *Toolset) RenameTab(ctx context.Context, env model.EnvContext, position int, name string) error {
	if err := t.authorize(ctx, WorkspaceRenameTab, "", fmt.Sprintf("rename tab %d to %q", position, name)); err != nil {
		return err
	}
	return t.plugin.RenameTab(ctx, env, t.cfg.PluginOpTimeout, position, name)
}

// MovePane implements workspace.move_pane. There is no dedicated
// pluginrpc wrapper for it — the butler plugin's op set has no
// move_pane handler of its own — so it goes through Call directly the
// way a new op gets expressed before a typed wrapper is worth adding.
func (t *Toolset) MovePane(ctx context.Context, env model.EnvContext, paneID uint32, destinationTabPosition int) error {
	if err := t.authorize(ctx, WorkspaceMovePane, "", fmt.Sprintf("move pane %d to tab %d", paneID, destinationTabPosition)); err != nil {
		return err
	}
	resp, err := t.plugin.Call(ctx, env, t.cfg.PluginOpTimeout, "move_pane", map[string]any{
		"pane_id":                  paneID,
		"destination_tab_position": destinationTabPosition,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return jlyerr.New(jlyerr.KindIO, "tools.MovePane", fmt.Errorf("%s: %s", resp.Code, resp.Error))
	}
	return nil
}

// HidePane implements workspace.hide_pane.
func (t *Toolset) HidePane(ctx context.Context, env model.EnvContext, paneID uint32) error {
	if err := t.authorize(ctx, WorkspaceHidePane, "", fmt.Sprintf("hide pane %d", paneID)); err != nil {
		return err
	}
	return t.plugin.HidePane(ctx, env, t.cfg.PluginToggleTimeout, paneID)
}

// ShowPane implements workspace.show_pane.
func (t *Toolset) ShowPane(ctx context.Context, env model.EnvContext, paneID uint32, floatIfHidden, focus bool) error {
	if err := t.authorize(ctx, WorkspaceShowPane, "", fmt.Sprintf("show pane %d", paneID)); err != nil {
		return err
	}
	return t.plugin.ShowPane(ctx, env, t.cfg.PluginToggleTimeout, paneID, floatIfHidden, focus)
}

// ReadFile implements fs.read_file. Reads never prompt (spec.md §4.6
// only calls out writes and shell execution as always-prompt-outside-
// root).
func (t *Toolset) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, jlyerr.IOf("tools.ReadFile", "%s: %w", path, err)
	}
	return data, nil
}

// WriteFile implements fs.write_file.
func (t *Toolset) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if err := t.authorize(ctx, FSWriteFile, path, fmt.Sprintf("write %d bytes to %s", len(data), path)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return jlyerr.IOf("tools.WriteFile", "mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return jlyerr.IOf("tools.WriteFile", "%s: %w", path, err)
	}
	return nil
}

// DirEntry is one entry of an fs.list_dir result, slim enough for the
// tool_use result payload to marshal directly.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// ListDir implements fs.list_dir.
func (t *Toolset) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, jlyerr.IOf("tools.ListDir", "%s: %w", path, err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
	}
	return out, nil
}

// RunCommand implements exec.run_command, always routed through the
// permission prompt (Policy.RequiresPrompt always returns true for
// ExecRunCommand) the way internal/target/executor.go's OSRunner.Run
// never runs anything its caller hasn't already cleared.
func (t *Toolset) RunCommand(ctx context.Context, command []string, detail string) (procrunner.Result, error) {
	if len(command) == 0 {
		return procrunner.Result{}, jlyerr.Protocolf("tools.RunCommand", "empty command")
	}
	if err := t.authorize(ctx, ExecRunCommand, "", detail); err != nil {
		return procrunner.Result{}, err
	}
	return t.exec.Run(ctx, t.cfg.ToolCommandTimeout, command)
}

// LookupResult is knowledge.lookup's fixed response shape: always
// unavailable, since a knowledge backend is explicitly out of scope
// (spec.md §1 Non-goals), but the capability stays listed so the tool
// table jellyj advertises stays complete.
type LookupResult struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

// Lookup implements knowledge.lookup.
func (t *Toolset) Lookup(ctx context.Context, query string) (LookupResult, error) {
	return LookupResult{Available: false, Message: KnowledgeLookupStubResult}, nil
}
