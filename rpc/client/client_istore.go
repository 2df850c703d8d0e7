package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/rTable/lib/db"
	"github.com/ValentinKolb/rTable/lib/store"
	"github.com/ValentinKolb/rTable/rpc/common"
	"github.com/ValentinKolb/rTable/rpc/serializer"
	"github.com/ValentinKolb/rTable/rpc/transport"
)

const conflictBackoff = 5 * time.Millisecond

// NewRPCStore creates a new RPC store
// The function takes a shard ID, a config, a transport and a serializer as parameters
// It returns a store.IStore and an error
func NewRPCStore(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (store.IStore, error) {

	// Connect the transport
	err := transport.Connect(config)
	if err != nil {
		return nil, err
	}

	// Create a new RPC store
	s := rpcStore{
		rpcClientAdapter{
			shardId:    shardId,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}

	// Return the RPC store
	return &s, nil
}

type rpcStore struct {
	rpcClientAdapter
}

// write sends a write request and retries it while the server reports a conflict
func (i *rpcStore) write(req *common.Message) (resp *common.Message, err error) {
	err = store.Retry(i.config.ConflictRetries, conflictBackoff, func() error {
		resp, err = invokeRPCRequest(i.shardId, req, i.transport, i.serializer)
		return err
	})
	return resp, err
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the store package in interface.go)
// --------------------------------------------------------------------------

func (i *rpcStore) Insert(key string, value []byte) (err error) {
	_, err = i.write(common.NewInsertRequest(key, value))
	return err
}

func (i *rpcStore) Delete(key string) (deleted bool, err error) {
	resp, err := i.write(common.NewDeleteRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcStore) Get(key string) (value []byte, loaded bool, err error) {
	req := common.NewGetRequest(key)
	resp, err := invokeRPCRequest(i.shardId, req, i.transport, i.serializer)
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

func (i *rpcStore) Has(key string) (loaded bool, err error) {
	req := common.NewHasRequest(key)
	resp, err := invokeRPCRequest(i.shardId, req, i.transport, i.serializer)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcStore) GetRange(from, to string, limit int) (rows []store.KeyValue, err error) {
	req := common.NewRangeRequest(from, to, uint32(max(0, limit)))
	resp, err := invokeRPCRequest(i.shardId, req, i.transport, i.serializer)
	if err != nil {
		return nil, err
	}
	rows = make([]store.KeyValue, len(resp.Rows))
	for idx, row := range resp.Rows {
		rows[idx] = store.KeyValue{Key: row.Key, Value: row.Value}
	}
	return rows, nil
}

func (i *rpcStore) GetDBInfo() (info db.DatabaseInfo, err error) {
	resp, err := invokeRPCRequest(i.shardId, common.NewInfoRequest(), i.transport, i.serializer)
	if err != nil {
		return db.DatabaseInfo{}, err
	}
	if err := json.Unmarshal(resp.Meta, &info); err != nil {
		return db.DatabaseInfo{}, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid database info: %v", err))
	}
	return info, nil
}
