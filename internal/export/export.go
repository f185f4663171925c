// Package export uploads snapshots of the user table to object storage.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jjudge-oj/authserver/internal/storage"
	"github.com/jjudge-oj/authserver/types"
)

const (
	keyPrefix   = "exports/"
	contentType = "application/json"
)

// UserLister is the read side of the user repository.
type UserLister interface {
	List(ctx context.Context) ([]types.User, error)
}

// Snapshot is the exported document.
type Snapshot struct {
	GeneratedAt time.Time          `json:"generatedAt"`
	Count       int                `json:"count"`
	Users       []types.UserRecord `json:"users"`
}

// Result describes an uploaded snapshot.
type Result struct {
	Bucket string
	Key    string
	Count  int
	Bytes  int
}

// Exporter writes user snapshots. Password digests are never exported.
type Exporter struct {
	users   UserLister
	objects storage.ObjectStorage
	now     func() time.Time
	newID   func() string
}

func NewExporter(users UserLister, objects storage.ObjectStorage) *Exporter {
	return &Exporter{users: users, objects: objects, now: time.Now, newID: uuid.NewString}
}

// Users uploads every user as a single JSON document under exports/.
func (e *Exporter) Users(ctx context.Context) (Result, error) {
	users, err := e.users.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list users: %w", err)
	}

	generatedAt := e.now().UTC()
	snapshot := Snapshot{
		GeneratedAt: generatedAt,
		Count:       len(users),
		Users:       make([]types.UserRecord, 0, len(users)),
	}
	for _, u := range users {
		snapshot.Users = append(snapshot.Users, u.Record(false))
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return Result{}, fmt.Errorf("encode snapshot: %w", err)
	}

	if err := e.objects.EnsureBucket(ctx); err != nil {
		return Result{}, err
	}

	key := fmt.Sprintf("%susers-%s-%s.json", keyPrefix, generatedAt.Format("20060102T150405Z"), e.newID())
	if err := e.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return Result{}, err
	}

	return Result{Bucket: e.objects.Bucket(), Key: key, Count: len(users), Bytes: len(data)}, nil
}
