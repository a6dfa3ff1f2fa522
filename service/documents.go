package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"ViralLaunch-server/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentStore persists per-project JSON documents.
type DocumentStore interface {
	Get(ctx context.Context, projectID, key string) ([]byte, error)
	Put(ctx context.Context, projectID, key string, body []byte) error
	DeleteProject(ctx context.Context, projectID string) error
	Projects(ctx context.Context) ([]string, error)
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidName reports whether s is usable as a project id or document key.
func ValidName(s string) bool {
	return len(s) <= 128 && nameRe.MatchString(s) && !strings.Contains(s, "..")
}

func GetJSON(ctx context.Context, docs DocumentStore, projectID, key string, v any) error {
	body, err := docs.Get(ctx, projectID, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", projectID, key, err)
	}
	return nil
}

func PutJSON(ctx context.Context, docs DocumentStore, projectID, key string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", projectID, key, err)
	}
	return docs.Put(ctx, projectID, key, body)
}

// FileDocumentStore keeps one JSON file per document under dir/<project>/<key>.json.
type FileDocumentStore struct {
	dir string
}

func NewFileDocumentStore(dir string) (*FileDocumentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	return &FileDocumentStore{dir: dir}, nil
}

func (s *FileDocumentStore) path(projectID, key string) (string, error) {
	if !ValidName(projectID) || !ValidName(key) {
		return "", fmt.Errorf("invalid document name %q/%q", projectID, key)
	}
	return filepath.Join(s.dir, projectID, key+".json"), nil
}

func (s *FileDocumentStore) Get(ctx context.Context, projectID, key string) ([]byte, error) {
	p, err := s.path(projectID, key)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("document %s/%s: %w", projectID, key, ErrNotFound)
	}
	return body, err
}

// Put writes through a temp file and rename so readers never see a partial document.
func (s *FileDocumentStore) Put(ctx context.Context, projectID, key string, body []byte) error {
	p, err := s.path(projectID, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close document: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}

func (s *FileDocumentStore) DeleteProject(ctx context.Context, projectID string) error {
	if !ValidName(projectID) {
		return fmt.Errorf("invalid project id %q", projectID)
	}
	return os.RemoveAll(filepath.Join(s.dir, projectID))
}

func (s *FileDocumentStore) Projects(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// GormDocumentStore keeps documents in the project_document table.
type GormDocumentStore struct {
	db *gorm.DB
}

func NewGormDocumentStore(db *gorm.DB) *GormDocumentStore {
	return &GormDocumentStore{db: db}
}

func (s *GormDocumentStore) Get(ctx context.Context, projectID, key string) ([]byte, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).Where(&models.Document{ProjectID: projectID, Key: key}).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s/%s: %w", projectID, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s/%s: %w", projectID, key, err)
	}
	return doc.Body, nil
}

func (s *GormDocumentStore) Put(ctx context.Context, projectID, key string, body []byte) error {
	doc := models.Document{ProjectID: projectID, Key: key, Body: body, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
	}).Create(&doc).Error
	if err != nil {
		return fmt.Errorf("save document %s/%s: %w", projectID, key, err)
	}
	return nil
}

func (s *GormDocumentStore) DeleteProject(ctx context.Context, projectID string) error {
	return s.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.Document{}).Error
}

func (s *GormDocumentStore) Projects(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Document{}).Distinct("project_id").Pluck("project_id", &ids).Error
	return ids, err
}
