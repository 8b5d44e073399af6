package km

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/kmd/internal/kmerr"
	"github.com/marcus-qen/kmd/internal/registry"
	"github.com/marcus-qen/kmd/internal/triggerbus"
)

// toolkit implements the host-facing tool surface once, shared
// by both the MCP transport and the hand-rolled JSON-RPC handler.
type toolkit struct {
	store  *registry.Store
	bus    *triggerbus.Bus
	logger *zap.Logger
}

type saveParams struct {
	Category string         `json:"category"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type saveResult struct {
	ID          string `json:"id"`
	ContentHash string `json:"content_hash"`
}

func (k *toolkit) save(ctx context.Context, p saveParams) (saveResult, error) {
	if strings.TrimSpace(p.Category) == "" || strings.TrimSpace(p.Content) == "" {
		return saveResult{}, kmerr.New(kmerr.KindProtocol, "km: save requires category and content")
	}
	item, err := k.store.SaveKnowledge(ctx, p.Category, p.Content, p.Metadata)
	if err != nil {
		return saveResult{}, err
	}
	return saveResult{ID: item.ID, ContentHash: item.ContentHash}, nil
}

type queryParams struct {
	Category string `json:"category,omitempty"`
	Contains string `json:"contains,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (k *toolkit) query(ctx context.Context, p queryParams) ([]registry.KnowledgeItem, error) {
	return k.store.QueryKnowledge(ctx, p.Category, p.Contains, p.Limit)
}

type getFilePathParams struct {
	LogicalName string `json:"logical_name"`
}

type getFilePathResult struct {
	Path string `json:"path"`
}

// getFilePath resolves a logical name (e.g. "planner-output") to the
// filesystem path it currently maps to, as registered via registerFilePath.
// This is distinct from the file_registry table, which tracks ownership and
// verification history keyed by path, not logical name.
func (k *toolkit) getFilePath(ctx context.Context, p getFilePathParams) (getFilePathResult, error) {
	if strings.TrimSpace(p.LogicalName) == "" {
		return getFilePathResult{}, kmerr.New(kmerr.KindProtocol, "km: get_file_path requires logical_name")
	}
	path, err := k.store.ResolveFilePath(ctx, p.LogicalName)
	if err != nil {
		return getFilePathResult{}, err
	}
	return getFilePathResult{Path: path}, nil
}

type registerFilePathParams struct {
	LogicalName string `json:"logical_name"`
	Path        string `json:"path"`
}

// registerFilePath is the write side of the get_file_path lookup: it binds a
// logical name to the path an agent should resolve it to from then on.
func (k *toolkit) registerFilePath(ctx context.Context, p registerFilePathParams) (struct{}, error) {
	if strings.TrimSpace(p.LogicalName) == "" || strings.TrimSpace(p.Path) == "" {
		return struct{}{}, kmerr.New(kmerr.KindProtocol, "km: register_file_path requires logical_name and path")
	}
	return struct{}{}, k.store.RegisterFilePath(ctx, p.LogicalName, p.Path)
}

type registerAPIParams struct {
	Name   string `json:"name"`
	Schema string `json:"schema"`
}

func (k *toolkit) registerAPI(ctx context.Context, p registerAPIParams) (registry.APIContract, error) {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Schema) == "" {
		return registry.APIContract{}, kmerr.New(kmerr.KindProtocol, "km: register_api requires name and schema")
	}
	contract, err := k.store.RegisterAPI(ctx, p.Name, p.Schema)
	if err != nil {
		return registry.APIContract{}, err
	}
	return *contract, nil
}

type getAPIParams struct {
	Name    string `json:"name"`
	Version int    `json:"version,omitempty"`
}

func (k *toolkit) getAPI(ctx context.Context, p getAPIParams) (registry.APIContract, error) {
	if strings.TrimSpace(p.Name) == "" {
		return registry.APIContract{}, kmerr.New(kmerr.KindProtocol, "km: get_api requires name")
	}
	contract, err := k.store.GetAPI(ctx, p.Name, p.Version)
	if err != nil {
		return registry.APIContract{}, err
	}
	return *contract, nil
}

type createTaskParams struct {
	ID string `json:"id,omitempty"`
}

func (k *toolkit) createTask(ctx context.Context, p createTaskParams) (registry.Ticket, error) {
	ticket, err := k.store.CreateTicket(ctx, p.ID)
	if err != nil {
		return registry.Ticket{}, err
	}
	return *ticket, nil
}

type submitTriggerParams struct {
	Agent          string         `json:"agent"`
	EventType      string         `json:"event_type"`
	Priority       string         `json:"priority,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	ChangedPaths   []string       `json:"changed_paths,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	AfterTriggerID string         `json:"after_trigger_id,omitempty"`
}

// ToolDescriptor is the plain-JSON shape of a tool entry returned by the
// tools/list method, mirroring the names and descriptions registered with
// the MCP server in mcp.go so both surfaces advertise the same tool set.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var toolDescriptors = []ToolDescriptor{
	{Name: "save", Description: "Save a knowledge item, deduped by category and content hash"},
	{Name: "query", Description: "Query knowledge items by category and/or substring"},
	{Name: "get_file_path", Description: "Resolve a logical name to the filesystem path it currently maps to"},
	{Name: "register_file_path", Description: "Bind a logical name to a filesystem path for later get_file_path lookups"},
	{Name: "register_api", Description: "Register or version an API contract schema"},
	{Name: "get_api", Description: "Fetch an API contract by name and optional version (latest if omitted)"},
	{Name: "create_task", Description: "Create a new ticket in the CREATED state"},
	{Name: "submit_trigger", Description: "Submit a trigger onto the project's trigger bus"},
}

func (k *toolkit) listTools() []ToolDescriptor {
	return toolDescriptors
}

func (k *toolkit) submitTrigger(ctx context.Context, p submitTriggerParams) (triggerbus.Trigger, error) {
	if k.bus == nil {
		return triggerbus.Trigger{}, kmerr.New(kmerr.KindExternal, "km: trigger bus unavailable")
	}
	if strings.TrimSpace(p.Agent) == "" || strings.TrimSpace(p.EventType) == "" {
		return triggerbus.Trigger{}, kmerr.New(kmerr.KindProtocol, "km: submit_trigger requires agent and event_type")
	}
	priority := triggerbus.Priority(p.Priority)
	if priority == "" {
		priority = triggerbus.PriorityMedium
	}
	return k.bus.Submit(triggerbus.Trigger{
		Agent:          p.Agent,
		EventType:      p.EventType,
		Priority:       priority,
		Payload:        p.Payload,
		ChangedPaths:   p.ChangedPaths,
		IdempotencyKey: p.IdempotencyKey,
		AfterTriggerID: p.AfterTriggerID,
	})
}
