package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/roach88/lansync/internal/model"
)

var unitsBucket = []byte("units")

// Bolt is a Store backed by a bbolt file. Units are stored as JSON keyed by
// their id string.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the record file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(unitsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create units bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close closes the underlying file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Get(_ context.Context, id uuid.UUID) (model.Unit, bool, error) {
	var (
		u     model.Unit
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(unitsBucket).Get([]byte(id.String()))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return model.Unit{}, false, fmt.Errorf("get unit %s: %w", id, err)
	}
	return u, found, nil
}

func (b *Bolt) Put(_ context.Context, u model.Unit) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("put unit %s: marshal: %w", u.ID, err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(unitsBucket).Put([]byte(u.ID.String()), data)
	})
	if err != nil {
		return fmt.Errorf("put unit %s: %w", u.ID, err)
	}
	return nil
}

func (b *Bolt) Delete(_ context.Context, id uuid.UUID) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(unitsBucket).Delete([]byte(id.String()))
	})
	if err != nil {
		return fmt.Errorf("delete unit %s: %w", id, err)
	}
	return nil
}

// All returns units in key order, which is id string order.
func (b *Bolt) All(_ context.Context) ([]model.Unit, error) {
	out := []model.Unit{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(unitsBucket).ForEach(func(_, v []byte) error {
			var u model.Unit
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			out = append(out, u)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	return out, nil
}

func (b *Bolt) Replace(_ context.Context, units []model.Unit) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(unitsBucket); err != nil {
			return err
		}
		bkt, err := tx.CreateBucket(unitsBucket)
		if err != nil {
			return err
		}
		for _, u := range units {
			data, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("marshal unit %s: %w", u.ID, err)
			}
			if err := bkt.Put([]byte(u.ID.String()), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace units: %w", err)
	}
	return nil
}
