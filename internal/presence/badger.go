package presence

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	badger "github.com/dgraph-io/badger/v4"

	"github.com/lk2023060901/iris-garden-go/internal/json"
	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

const recordKeyPrefix = "presence/"

// BadgerStore 将在线状态落到本地 Badger，进程重启后仍可查询
// 用户的最近下线时刻。
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore 打开（必要时创建）path 下的在线状态库。
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, merr.WrapErrPresenceStoreBroken(err)
	}
	return &BadgerStore{db: db}, nil
}

func recordKey(userID string) []byte {
	return []byte(recordKeyPrefix + userID)
}

func (s *BadgerStore) put(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return merr.WrapErrPresenceStoreBroken(err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.UserID), data)
	})
	if err != nil {
		return merr.WrapErrPresenceStoreBroken(err)
	}
	return nil
}

// SetOnline 实现 Store.SetOnline。
func (s *BadgerStore) SetOnline(_ context.Context, userID string) error {
	return s.put(&Record{UserID: userID, Online: true})
}

// SetOffline 实现 Store.SetOffline。
func (s *BadgerStore) SetOffline(_ context.Context, userID string, at time.Time) error {
	return s.put(&Record{UserID: userID, Online: false, LastSeen: &at})
}

// Get 实现 Store.Get。
func (s *BadgerStore) Get(_ context.Context, userID string) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, merr.WrapErrPresenceRecordNotFound(userID)
		}
		return nil, merr.WrapErrPresenceStoreBroken(err)
	}
	return &rec, nil
}

// Close 实现 Store.Close。
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
