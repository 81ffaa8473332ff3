package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rovermatic/fieldsync/internal/models"
	"github.com/rovermatic/fieldsync/internal/transport"
)

// Client speaks the delta-sync wire protocol against the central server.
// Both calls go through the authenticated transport: bearer token attached,
// one automatic refresh-and-retry on 401, per-request timeout from config.
type Client struct {
	http     *transport.Client
	deviceID string
}

// NewClient creates a sync client for this device
func NewClient(http *transport.Client, deviceID string) *Client {
	return &Client{http: http, deviceID: deviceID}
}

// Pull fetches one page of server changes after sinceVersion. The caller
// repeats with the returned cursor while hasMore is set.
func (c *Client) Pull(ctx context.Context, sinceVersion int64, entityTypes []string, pageSize int) (*PullResponse, error) {
	req := PullRequest{
		DeviceID:        c.deviceID,
		LastSyncVersion: sinceVersion,
		EntityTypes:     entityTypes,
		PageSize:        pageSize,
	}

	var resp PullResponse
	if err := c.http.PostJSON(ctx, "/sync/pull", req, &resp); err != nil {
		return nil, classifyTransportErr(err)
	}
	return &resp, nil
}

// Push offers a batch of queued local mutations to the server. Each change
// either lands in applied (with its server-assigned version), produces exactly
// one conflict, or is rejected permanently.
func (c *Client) Push(ctx context.Context, items []models.QueueItem) (*PushResponse, error) {
	req := PushRequest{DeviceID: c.deviceID, Changes: make([]PushChange, 0, len(items))}
	for _, item := range items {
		req.Changes = append(req.Changes, PushChange{
			EntityType:      item.EntityType,
			EntityID:        item.EntityID,
			Operation:       item.Operation,
			Data:            json.RawMessage(item.Payload),
			BaseSyncVersion: item.BaseSyncVersion,
		})
	}

	var resp PushResponse
	if err := c.http.PostJSON(ctx, "/sync/push", req, &resp); err != nil {
		return nil, classifyTransportErr(err)
	}
	return &resp, nil
}

// ResolveConflict forwards a local conflict decision to the server
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution, mergedData json.RawMessage) error {
	req := ResolveRequest{Resolution: resolution, MergedData: mergedData}
	path := fmt.Sprintf("/sync/conflicts/%s/resolve", conflictID)
	if err := c.http.PostJSON(ctx, path, req, nil); err != nil {
		return classifyTransportErr(err)
	}
	return nil
}
