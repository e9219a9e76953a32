// Package pluginrpc talks to the external butler plugin over the
// multiplexer's `pipe` command. Requests are JSON objects with a
// discriminant `op` field; responses are `{ok:true,result}` or
// `{ok:false,code,error}`, mirroring the Rust plugin's ButlerRequest enum
// and ok_response/error_response helpers. Op names and shapes are
// grounded on original_source/plugin/src/main.rs.
package pluginrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jelly-j/jellyj/internal/jlyerr"
	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/procrunner"
)

// PipeName is the name the butler plugin listens on via zellij's pipe
// mechanism.
const PipeName = "jelly-j-butler"

// NotReadyCode is the reserved error code meaning "plugin loaded but
// caches not primed; retry" (spec.md §6).
const NotReadyCode = "not_ready"

// Response is the decoded shape of every pipe RPC reply.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NotReady reports whether the response is the transient not_ready case.
func (r Response) NotReady() bool {
	return !r.OK && r.Code == NotReadyCode
}

// Client invokes the plugin pipe RPC via procrunner, targeting whichever
// multiplexer session the caller's EnvContext names.
type Client struct {
	exec *procrunner.Executor
}

func New(exec *procrunner.Executor) *Client {
	return &Client{exec: exec}
}

// Call sends {op, ...params} to the plugin and decodes its response.
// timeout should be cfg.PluginOpTimeout for queries or
// cfg.PluginToggleTimeout for hide/show toggles, per spec.md §5.
func (c *Client) Call(ctx context.Context, env model.EnvContext, timeout time.Duration, op string, params any) (Response, error) {
	payload := map[string]any{"op": op}
	if params != nil {
		body, err := json.Marshal(params)
		if err != nil {
			return Response{}, jlyerr.IOf("pluginrpc.Call", "marshal params: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return Response{}, jlyerr.IOf("pluginrpc.Call", "flatten params: %w", err)
		}
		for k, v := range fields {
			payload[k] = v
		}
	}
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return Response{}, jlyerr.IOf("pluginrpc.Call", "marshal request: %w", err)
	}

	cmd := procrunner.BuildZellijCommand(env.BinaryPath, "pipe", "--name", PipeName, "--", string(requestBody))
	result, err := c.exec.Run(ctx, timeout, cmd)
	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal([]byte(result.Output), &resp); err != nil {
		return Response{}, jlyerr.Protocolf("pluginrpc.Call", "decode response for op %q: %w", op, err)
	}
	return resp, nil
}

// Ping performs a liveness probe.
func (c *Client) Ping(ctx context.Context, env model.EnvContext, timeout time.Duration) error {
	resp, err := c.Call(ctx, env, timeout, "ping", nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return jlyerr.New(jlyerr.KindIO, "pluginrpc.Ping", fmt.Errorf("%s: %s", resp.Code, resp.Error))
	}
	return nil
}

// GetState requests the cached workspace snapshot.
func (c *Client) GetState(ctx context.Context, env model.EnvContext, timeout time.Duration) (model.WorkspaceSnapshot, error) {
	resp, err := c.Call(ctx, env, timeout, "get_state", nil)
	if err != nil {
		return model.WorkspaceSnapshot{}, err
	}
	if !resp.OK {
		return model.WorkspaceSnapshot{}, jlyerr.New(jlyerr.KindIO, "pluginrpc.GetState", fmt.Errorf("%s: %s", resp.Code, resp.Error))
	}
	var snap model.WorkspaceSnapshot
	if err := json.Unmarshal(resp.Result, &snap); err != nil {
		return model.WorkspaceSnapshot{}, jlyerr.Protocolf("pluginrpc.GetState", "decode snapshot: %w", err)
	}
	return snap, nil
}

// GetTrace requests the plugin's in-memory audit trace, capped at limit
// entries (see spec.md §3's Audit Log Entry).
func (c *Client) GetTrace(ctx context.Context, env model.EnvContext, timeout time.Duration, limit int) ([]string, error) {
	resp, err := c.Call(ctx, env, timeout, "get_trace", map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, jlyerr.New(jlyerr.KindIO, "pluginrpc.GetTrace", fmt.Errorf("%s: %s", resp.Code, resp.Error))
	}
	var out struct {
		Entries []string `json:"entries"`
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, jlyerr.Protocolf("pluginrpc.GetTrace", "decode trace: %w", err)
	}
	return out.Entries, nil
}

// ClearTrace empties the plugin's trace ring.
func (c *Client) ClearTrace(ctx context.Context, env model.EnvContext, timeout time.Duration) error {
	resp, err := c.Call(ctx, env, timeout, "clear_trace", nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return jlyerr.New(jlyerr.KindIO, "pluginrpc.ClearTrace", fmt.Errorf("%s: %s", resp.Code, resp.Error))
	}
	return nil
}

// RenameTab renames the tab at position without moving user focus.
func (c *Client) RenameTab(ctx context.Context, env model.EnvContext, timeout time.Duration, position int, name string) error {
	resp, err := c.Call(ctx, env, timeout, "rename_tab", map[string]any{"position": position, "name": name})
	if err != nil {
		return err
	}
	if !resp.OK {
		return jlyerr.New(jlyerr.KindIO, "pluginrpc.RenameTab", fmt.Errorf("%s: %s", resp.Code, resp.Error))
	}
	return nil
}

// RenamePane renames the pane identified by paneID.
func (c *Client) RenamePane(ctx context.Context, env model.EnvContext, timeout time.Duration, paneID uint32, name string) error {
	resp, err := c.Call(ctx, env, timeout, "rename_pane", map[string]any{"pane_id": paneID, "name": name})
	if err != nil {
		return err
	}
	if !resp.OK {
		return jlyerr.New(jlyerr.KindIO, "pluginrpc.RenamePane", fmt.Errorf("%s: %s", resp.Code, resp.Error))
	}
	return nil
}

// HidePane suppresses a pane from the active layout.
func (c *Client) HidePane(ctx context.Context, env model.EnvContext, timeout time.Duration, paneID uint32) error {
	resp, err := c.Call(ctx, env, timeout, "hide_pane", map[string]any{"pane_id": paneID})
	if err != nil {
		return err
	}
	if !resp.OK {
		return jlyerr.New(jlyerr.KindIO, "pluginrpc.HidePane", fmt.Errorf("%s: %s", resp.Code, resp.Error))
	}
	return nil
}

// ShowPane re-surfaces a previously hidden pane.
func (c *Client) ShowPane(ctx context.Context, env model.EnvContext, timeout time.Duration, paneID uint32, floatIfHidden, focus bool) error {
	resp, err := c.Call(ctx, env, timeout, "show_pane", map[string]any{
		"pane_id":                paneID,
		"should_float_if_hidden": floatIfHidden,
		"should_focus_pane":      focus,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return jlyerr.New(jlyerr.KindIO, "pluginrpc.ShowPane", fmt.Errorf("%s: %s", resp.Code, resp.Error))
	}
	return nil
}
