package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stocktide/stocktide/internal/common"
	"github.com/stocktide/stocktide/internal/models"
)

// FakeAPI is a scripted stand-in for the backend. Each call records itself,
// and per-method error hooks simulate connectivity loss or server
// rejections. The zero value accepts every call.
type FakeAPI struct {
	mu sync.Mutex

	// Scripted responses.
	ListErr     error
	ListItems   map[models.Collection][]json.RawMessage
	CreateReply func(collection models.Collection, payload any) (json.RawMessage, error)
	UpdateReply func(collection models.Collection, serverID string, payload any) (json.RawMessage, error)
	DeleteErr   error
	PingErr     error

	Creates    []FakeCall
	Updates    []FakeCall
	Deletes    []FakeCall
	ListCalls  int
	PingCalls  int
	RequestIDs []string
}

// FakeCall captures one request the fake saw.
type FakeCall struct {
	Collection models.Collection
	ServerID   string
	Payload    []byte
}

func (f *FakeAPI) List(ctx context.Context, collection models.Collection) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return f.ListItems[collection], nil
}

func (f *FakeAPI) Create(ctx context.Context, collection models.Collection, payload any, requestID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Creates = append(f.Creates, FakeCall{Collection: collection, Payload: encode(payload)})
	f.RequestIDs = append(f.RequestIDs, requestID)
	if f.CreateReply != nil {
		return f.CreateReply(collection, payload)
	}
	return nil, common.ErrConnectivity
}

func (f *FakeAPI) Update(ctx context.Context, collection models.Collection, serverID string, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updates = append(f.Updates, FakeCall{Collection: collection, ServerID: serverID, Payload: encode(payload)})
	if f.UpdateReply != nil {
		return f.UpdateReply(collection, serverID, payload)
	}
	return nil, common.ErrConnectivity
}

func (f *FakeAPI) Delete(ctx context.Context, collection models.Collection, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes = append(f.Deletes, FakeCall{Collection: collection, ServerID: serverID})
	return f.DeleteErr
}

func (f *FakeAPI) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PingCalls++
	return f.PingErr
}

func encode(payload any) []byte {
	switch v := payload.(type) {
	case json.RawMessage:
		return v
	case []byte:
		return v
	default:
		b, _ := json.Marshal(v)
		return b
	}
}
