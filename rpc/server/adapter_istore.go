package server

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/rTable/lib/store"
	"github.com/ValentinKolb/rTable/rpc/common"
)

func NewIStoreServerAdapter() IRPCServerAdapter {
	return &iStoreServerAdapterImpl{}
}

type iStoreServerAdapterImpl struct{}

func (adapter *iStoreServerAdapterImpl) Handle(req *common.Message, s store.IStore) *common.Message {
	// Check for nil store
	if s == nil {
		return common.NewErrorResponse("handler: store is nil")
	}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTKVInsert:
		err := s.Insert(req.Key, req.Value)
		return common.NewInsertResponse(err)
	case common.MsgTKVDelete:
		deleted, err := s.Delete(req.Key)
		return common.NewDeleteResponse(deleted, err)
	case common.MsgTKVGet:
		val, ok, err := s.Get(req.Key)
		return common.NewGetResponse(val, ok, err)
	case common.MsgTKVHas:
		ok, err := s.Has(req.Key)
		return common.NewHasResponse(ok, err)
	case common.MsgTKVRange:
		kvs, err := s.GetRange(req.Key, req.To, int(req.Max))
		rows := make([]common.Row, len(kvs))
		for i, kv := range kvs {
			rows[i] = common.Row{Key: kv.Key, Value: kv.Value}
		}
		return common.NewRangeResponse(rows, err)
	case common.MsgTKVInfo:
		info, err := s.GetDBInfo()
		if err != nil {
			return common.NewInfoResponse(nil, err)
		}
		data, err := json.Marshal(info)
		if err != nil {
			return common.NewInfoResponse(nil, store.NewError(store.RetCInternalError, err.Error()))
		}
		return common.NewInfoResponse(data, nil)
	default:
		return common.NewErrorResponse(
			fmt.Sprintf("RPC IStoreAdapter - Unsuported message type: %s", req.MsgType),
		)
	}
}
