package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"agentfeed/internal/preprocess"
	"agentfeed/internal/transport"
	"agentfeed/internal/types"
)

// API wraps the agent server's REST endpoints.
type API struct {
	client *transport.Client
}

func NewAPI(client *transport.Client) *API {
	return &API{client: client}
}

func (a *API) BaseURL() string {
	return a.client.BaseURL()
}

func (a *API) ListSessions(ctx context.Context) ([]types.RemoteSession, error) {
	var payload any
	if err := a.client.Get(ctx, "/session", &payload); err != nil {
		return nil, err
	}
	return normalizeSessions(payload), nil
}

// Messages fetches one page of the session's message listing.
func (a *API) Messages(ctx context.Context, sessionID string, limit int, cursor string) (preprocess.Page, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return preprocess.Page{}, ErrNoActiveSession
	}
	path := fmt.Sprintf("/session/%s/message", url.PathEscape(sessionID))
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		query.Set("cursor", cursor)
	}
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var raw json.RawMessage
	if err := a.client.Get(ctx, path, &raw); err != nil {
		return preprocess.Page{}, err
	}
	return preprocess.DecodePage(raw)
}

func (a *API) Prompt(ctx context.Context, sessionID, text, model string) error {
	body := map[string]any{
		"parts": []map[string]any{
			{"type": "text", "text": text},
		},
	}
	if resolved := modelRef(model); len(resolved) > 0 {
		body["model"] = resolved
	}
	path := fmt.Sprintf("/session/%s/message", url.PathEscape(sessionID))
	return a.client.Post(ctx, path, body, nil)
}

func (a *API) Abort(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/session/%s/abort", url.PathEscape(sessionID))
	return a.client.Post(ctx, path, nil, nil)
}

// modelRef splits "provider/model" into the server's model reference. A bare
// id is sent as modelID only.
func modelRef(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	providerID, modelID, ok := strings.Cut(raw, "/")
	providerID = strings.TrimSpace(providerID)
	modelID = strings.TrimSpace(modelID)
	if !ok || providerID == "" || modelID == "" {
		return map[string]string{"modelID": raw}
	}
	return map[string]string{"providerID": providerID, "modelID": modelID}
}

func normalizeSessions(payload any) []types.RemoteSession {
	var entries []any
	switch typed := payload.(type) {
	case []any:
		entries = typed
	case map[string]any:
		for _, key := range []string{"sessions", "items", "data"} {
			if list, ok := typed[key].([]any); ok {
				entries = list
				break
			}
		}
	}
	out := make([]types.RemoteSession, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id := stringField(raw, "id")
		if id == "" {
			continue
		}
		clock, _ := raw["time"].(map[string]any)
		out = append(out, types.RemoteSession{
			ID:        id,
			Title:     stringField(raw, "title"),
			Directory: stringField(raw, "directory"),
			CreatedAt: millisField(clock, "created"),
			UpdatedAt: millisField(clock, "updated"),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

func stringField(raw map[string]any, key string) string {
	value, _ := raw[key].(string)
	return strings.TrimSpace(value)
}

func millisField(raw map[string]any, key string) int64 {
	value, ok := raw[key].(float64)
	if !ok {
		return 0
	}
	ms := int64(value)
	if ms > 0 && ms < 1_000_000_000_000 {
		ms *= 1000
	}
	return ms
}
