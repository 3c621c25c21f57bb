package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/arkantrust/ikoot-checkin/backend/models"
)

// BoltDB is an embedded key/value store. All data lives in a single file and
// bolt allows exactly one read-write transaction at a time, so every
// insert-if-absent below is a Get followed by a Put inside one db.Update.
var (
	bucketUsers    = []byte("users")    // email -> User
	bucketUserIDs  = []byte("user_ids") // id -> email
	bucketCheckins = []byte("checkins") // userID 0x00 eventID(BE) -> CheckinRecord
	bucketCredits  = []byte("credits")  // checkinID -> Credit
)

// BoltStore is the default durable backend.
type BoltStore struct {
	db *bolt.DB
}

var (
	_ Store              = (*BoltStore)(nil)
	_ AtomicCheckinStore = (*BoltStore)(nil)
)

// OpenBolt opens (or creates) a BoltDB database at the given path and ensures
// the buckets exist.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketUserIDs, bucketCheckins, bucketCredits} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func checkinKey(userID string, eventID int64) []byte {
	key := make([]byte, 0, len(userID)+9)
	key = append(key, userID...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, uint64(eventID))
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// CreateUserIfAbsent stores u keyed by email. If the email is already taken
// the existing user is returned with created=false and nothing is written.
func (s *BoltStore) CreateUserIfAbsent(ctx context.Context, u *models.User) (*models.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var result models.User
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		found, err := getJSON(users, []byte(u.Email), &result)
		if err != nil || found {
			return err
		}
		if err := putJSON(users, []byte(u.Email), u); err != nil {
			return err
		}
		result = *u
		created = true
		return tx.Bucket(bucketUserIDs).Put([]byte(u.ID), []byte(u.Email))
	})
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	return &result, created, nil
}

// GetUserByEmail returns the user for email, or ErrNotFound.
func (s *BoltStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u models.User
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketUsers), []byte(email), &u)
		if err == nil && !found {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser resolves id through the user_ids index. Returns ErrNotFound if
// no such user exists.
func (s *BoltStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u models.User
	err := s.db.View(func(tx *bolt.Tx) error {
		email := tx.Bucket(bucketUserIDs).Get([]byte(id))
		if email == nil {
			return ErrNotFound
		}
		_, err := getJSON(tx.Bucket(bucketUsers), email, &u)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns every user in email order. Pure read.
func (s *BoltStore) ListUsers(ctx context.Context) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	users := []models.User{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var u models.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, u)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// HasCheckin reports whether a record exists for the pair.
func (s *BoltStore) HasCheckin(ctx context.Context, userID string, eventID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketCheckins).Get(checkinKey(userID, eventID)) != nil
		return nil
	})
	return found, err
}

// CreateCheckinIfAbsent stores rec unless the pair is already recorded, in
// which case the stored record is returned with created=false.
func (s *BoltStore) CreateCheckinIfAbsent(ctx context.Context, rec *models.CheckinRecord) (*models.CheckinRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var result models.CheckinRecord
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		created, err = insertCheckin(tx, rec, &result)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("create checkin: %w", err)
	}
	return &result, created, nil
}

// CreateCheckinAndCredit writes the record and folds it into the balance in
// the same transaction, so a crash cannot separate the two.
func (s *BoltStore) CreateCheckinAndCredit(ctx context.Context, rec *models.CheckinRecord) (*models.CheckinRecord, int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, false, err
	}
	var (
		result  models.CheckinRecord
		balance int64
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		created, err = insertCheckin(tx, rec, &result)
		if err != nil {
			return err
		}
		if !created {
			balance, err = userBalance(tx, rec.UserID)
			return err
		}
		balance, _, err = applyCredit(tx, models.Credit{
			CheckinID: rec.ID,
			UserID:    rec.UserID,
			Amount:    rec.PointsAwarded,
			AppliedAt: rec.CheckedInAt,
		})
		return err
	})
	if err != nil {
		return nil, 0, false, fmt.Errorf("create checkin: %w", err)
	}
	return &result, balance, created, nil
}

func insertCheckin(tx *bolt.Tx, rec *models.CheckinRecord, result *models.CheckinRecord) (bool, error) {
	b := tx.Bucket(bucketCheckins)
	key := checkinKey(rec.UserID, rec.EventID)
	found, err := getJSON(b, key, result)
	if err != nil || found {
		return false, err
	}
	if err := putJSON(b, key, rec); err != nil {
		return false, err
	}
	*result = *rec
	return true, nil
}

// GetCheckin returns the record for the pair, or ErrNotFound.
func (s *BoltStore) GetCheckin(ctx context.Context, userID string, eventID int64) (*models.CheckinRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec models.CheckinRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketCheckins), checkinKey(userID, eventID), &rec)
		if err == nil && !found {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListCheckins returns the user's records, oldest first. Pure read.
func (s *BoltStore) ListCheckins(ctx context.Context, userID string) ([]models.CheckinRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := append([]byte(userID), 0)
	records := []models.CheckinRecord{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckins).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec models.CheckinRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkins: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CheckedInAt.Before(records[j].CheckedInAt)
	})
	return records, nil
}

// ApplyCredit adds c.Amount to the user's balance unless a credit for
// c.CheckinID exists. Repeating it returns the current balance without a write.
func (s *BoltStore) ApplyCredit(ctx context.Context, c models.Credit) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var (
		balance int64
		applied bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		balance, applied, err = applyCredit(tx, c)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("apply credit: %w", err)
	}
	return balance, applied, nil
}

func applyCredit(tx *bolt.Tx, c models.Credit) (int64, bool, error) {
	users := tx.Bucket(bucketUsers)
	email := tx.Bucket(bucketUserIDs).Get([]byte(c.UserID))
	if email == nil {
		return 0, false, ErrNotFound
	}
	var u models.User
	if _, err := getJSON(users, email, &u); err != nil {
		return 0, false, err
	}

	credits := tx.Bucket(bucketCredits)
	if credits.Get([]byte(c.CheckinID)) != nil {
		return u.Points, false, nil
	}
	if err := putJSON(credits, []byte(c.CheckinID), c); err != nil {
		return 0, false, err
	}

	u.Points += c.Amount
	u.UpdatedAt = c.AppliedAt
	if err := putJSON(users, email, u); err != nil {
		return 0, false, err
	}
	return u.Points, true, nil
}

func userBalance(tx *bolt.Tx, userID string) (int64, error) {
	email := tx.Bucket(bucketUserIDs).Get([]byte(userID))
	if email == nil {
		return 0, ErrNotFound
	}
	var u models.User
	if _, err := getJSON(tx.Bucket(bucketUsers), email, &u); err != nil {
		return 0, err
	}
	return u.Points, nil
}

// Balance returns the user's stored points, or ErrNotFound.
func (s *BoltStore) Balance(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var balance int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		balance, err = userBalance(tx, userID)
		return err
	})
	return balance, err
}
