package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/enroll/internal/grabber"
	"github.com/joescharf/enroll/internal/models"
	"github.com/joescharf/enroll/internal/race"
)

// Controller is the control surface the tools drive. *grabber.Grabber
// implements it.
type Controller interface {
	Connect(ctx context.Context) ([]grabber.SessionStatus, error)
	AddItem(ctx context.Context, code, note string, companion bool) (*models.Item, error)
	RemoveItem(ctx context.Context, ref string) (models.Item, error)
	Reset(ctx context.Context, refs ...string) (int, error)
	StartRace(ctx context.Context, opts race.Options) (*models.Race, error)
	StopRace()
	WaitRace() *models.Race
	Status(n int) grabber.Status
}

// Server exposes a Controller as MCP tools.
type Server struct {
	ctl      Controller
	defaults race.Options

	// base outlives individual tool calls; races started by a tool run on it.
	base context.Context
}

// NewServer creates the MCP server wrapper. defaults fill race options a
// tool call leaves out.
func NewServer(ctl Controller, defaults race.Options) *Server {
	return &Server{ctl: ctl, defaults: defaults, base: context.Background()}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("enroll", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listItemsTool())
	srv.AddTool(s.addItemTool())
	srv.AddTool(s.removeItemTool())
	srv.AddTool(s.resetItemsTool())
	srv.AddTool(s.loginTool())
	srv.AddTool(s.startRaceTool())
	srv.AddTool(s.stopRaceTool())
	srv.AddTool(s.raceStatusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
// A race still running when ctx ends is stopped and drained.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.base = ctx
	defer func() {
		s.ctl.StopRace()
		s.ctl.WaitRace()
	}()
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Output shapes
// ---------------------------------------------------------------------------

type itemOut struct {
	ID        string     `json:"id"`
	Code      string     `json:"code"`
	Handle    string     `json:"handle"`
	Note      string     `json:"note,omitempty"`
	Companion bool       `json:"companion"`
	Claimed   bool       `json:"claimed"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

func toItemOut(it models.Item) itemOut {
	return itemOut{
		ID:        it.ID,
		Code:      it.PublicCode,
		Handle:    it.Handle,
		Note:      it.Note,
		Companion: it.Companion,
		Claimed:   it.Claimed,
		ClaimedAt: it.ClaimedAt,
	}
}

type sessionOut struct {
	Name          string `json:"name"`
	Base          string `json:"base"`
	Authenticated bool   `json:"authenticated"`
	Error         string `json:"error,omitempty"`
}

func toSessionsOut(statuses []grabber.SessionStatus) []sessionOut {
	out := make([]sessionOut, len(statuses))
	for i, st := range statuses {
		out[i] = sessionOut{Name: st.Name, Base: st.Base, Authenticated: st.Authenticated}
		if st.Err != nil {
			out[i].Error = st.Err.Error()
		}
	}
	return out
}

type raceOut struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Outcome   string     `json:"outcome"`
	Rounds    int        `json:"rounds"`
	Claimed   int        `json:"claimed"`
}

func toRaceOut(r *models.Race) *raceOut {
	if r == nil {
		return nil
	}
	return &raceOut{
		ID:        r.ID,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Outcome:   string(r.Outcome),
		Rounds:    r.Rounds,
		Claimed:   r.Claimed,
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// enroll_list_items
func (s *Server) listItemsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("enroll_list_items",
		mcp.WithDescription("List the worklist: every course with its code, resolved handle, note, companion flag and claimed state."),
		mcp.WithBoolean("pending_only", mcp.Description("Only list items not yet claimed")),
	)
	return tool, s.handleListItems
}

func (s *Server) handleListItems(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pendingOnly := request.GetBool("pending_only", false)
	out := []itemOut{}
	for _, it := range s.ctl.Status(0).Items {
		if pendingOnly && it.Claimed {
			continue
		}
		out = append(out, toItemOut(it))
	}
	return jsonResult(out)
}

// enroll_add_item
func (s *Server) addItemTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("enroll_add_item",
		mcp.WithDescription("Resolve a public course code through a logged-in session and add it to the worklist. Requires enroll_login first."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Public course code as printed in the catalog")),
		mcp.WithString("note", mcp.Description("Free-text note shown in logs")),
		mcp.WithBoolean("companion", mcp.Description("Also reserve the companion resource (textbook). Defaults to true.")),
	)
	return tool, s.handleAddItem
}

func (s *Server) handleAddItem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil || strings.TrimSpace(code) == "" {
		return mcp.NewToolResultError("missing required parameter: code"), nil
	}
	note := request.GetString("note", "")
	companion := request.GetBool("companion", true)

	item, err := s.ctl.AddItem(ctx, code, note, companion)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add %s: %v", code, err)), nil
	}
	return jsonResult(toItemOut(*item))
}

// enroll_remove_item
func (s *Server) removeItemTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("enroll_remove_item",
		mcp.WithDescription("Remove an item from the worklist by public code, handle or id."),
		mcp.WithString("item", mcp.Required(), mcp.Description("Public code, handle or id")),
	)
	return tool, s.handleRemoveItem
}

func (s *Server) handleRemoveItem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("item")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: item"), nil
	}
	it, err := s.ctl.RemoveItem(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to remove %s: %v", ref, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Removed %s (%s)", it.PublicCode, it.Handle)), nil
}

// enroll_reset_items
func (s *Server) resetItemsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("enroll_reset_items",
		mcp.WithDescription("Clear the claimed flag so items are raced again. Resets every item unless one is given."),
		mcp.WithString("item", mcp.Description("Public code, handle or id to reset; omit to reset all")),
	)
	return tool, s.handleResetItems
}

func (s *Server) handleResetItems(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var refs []string
	if ref := request.GetString("item", ""); ref != "" {
		refs = append(refs, ref)
	}
	n, err := s.ctl.Reset(ctx, refs...)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reset: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reset %d item(s)", n)), nil
}

// enroll_login
func (s *Server) loginTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("enroll_login",
		mcp.WithDescription("Log in to every configured endpoint concurrently (captcha solve included). Returns each endpoint's session state."),
	)
	return tool, s.handleLogin
}

func (s *Server) handleLogin(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statuses, err := s.ctl.Connect(ctx)
	if err != nil && statuses == nil {
		return mcp.NewToolResultError(fmt.Sprintf("login failed: %v", err)), nil
	}
	out := struct {
		Sessions []sessionOut `json:"sessions"`
		Error    string       `json:"error,omitempty"`
	}{Sessions: toSessionsOut(statuses)}
	if err != nil {
		out.Error = err.Error()
	}
	return jsonResult(out)
}

// enroll_start_race
func (s *Server) startRaceTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("enroll_start_race",
		mcp.WithDescription("Start racing the pending worklist items against all logged-in sessions. Returns immediately; poll enroll_race_status."),
		mcp.WithNumber("interval_seconds", mcp.Description("Seconds between rounds")),
		mcp.WithNumber("workers", mcp.Description("Concurrent claim requests")),
		mcp.WithBoolean("skip_in_flight", mcp.Description("Do not resend an item to an endpoint while its previous attempt is pending")),
	)
	return tool, s.handleStartRace
}

func (s *Server) handleStartRace(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := s.defaults
	if secs := request.GetFloat("interval_seconds", 0); secs > 0 {
		opts.Interval = time.Duration(secs * float64(time.Second))
	}
	if n := request.GetInt("workers", 0); n > 0 {
		opts.Workers = n
	}
	opts.SkipInFlight = request.GetBool("skip_in_flight", opts.SkipInFlight)

	r, err := s.ctl.StartRace(s.base, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start race: %v", err)), nil
	}
	return jsonResult(toRaceOut(r))
}

// enroll_stop_race
func (s *Server) stopRaceTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("enroll_stop_race",
		mcp.WithDescription("Stop the running race. In-flight claims finish; no new round starts."),
		mcp.WithBoolean("wait", mcp.Description("Wait until in-flight claims have drained")),
	)
	return tool, s.handleStopRace
}

func (s *Server) handleStopRace(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.ctl.Status(0).State == race.Idle {
		return mcp.NewToolResultText("No race is running"), nil
	}
	s.ctl.StopRace()
	if !request.GetBool("wait", false) {
		return mcp.NewToolResultText("Stop requested; in-flight claims are draining"), nil
	}
	return jsonResult(toRaceOut(s.ctl.WaitRace()))
}

// enroll_race_status
func (s *Server) raceStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("enroll_race_status",
		mcp.WithDescription("Race state, current round, per-item claim state, sessions, and the most recent result and system log lines."),
		mcp.WithNumber("limit", mcp.Description("Log lines per stream (default 20)")),
	)
	return tool, s.handleRaceStatus
}

func (s *Server) handleRaceStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	if limit <= 0 {
		limit = 20
	}
	st := s.ctl.Status(limit)

	out := struct {
		State    string       `json:"state"`
		Round    int          `json:"round"`
		Claimed  int          `json:"claimed"`
		Race     *raceOut     `json:"race,omitempty"`
		Sessions []sessionOut `json:"sessions"`
		Items    []itemOut    `json:"items"`
		Results  []string     `json:"results"`
		System   []string     `json:"system"`
	}{
		State:    st.State.String(),
		Round:    st.Round,
		Claimed:  st.Claimed,
		Race:     toRaceOut(st.Race),
		Sessions: toSessionsOut(st.Sessions),
		Items:    []itemOut{},
		Results:  []string{},
		System:   []string{},
	}
	for _, it := range st.Items {
		out.Items = append(out.Items, toItemOut(it))
	}
	for _, r := range st.Results {
		out.Results = append(out.Results, r.String())
	}
	for _, e := range st.System {
		out.System = append(out.System, e.String())
	}
	return jsonResult(out)
}

var _ Controller = (*grabber.Grabber)(nil)
