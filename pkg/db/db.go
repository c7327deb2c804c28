// Package db provides SQLite storage for observed Kubernetes objects
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get when no object matches
var ErrNotFound = errors.New("resource not found")

// ResourceStore manages the SQLite database of observed objects
type ResourceStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Resource is one observed object
type Resource struct {
	ID              int64  `json:"-"`
	UID             string `json:"uid"`
	Name            string `json:"name"`
	Namespace       string `json:"namespace"`
	Kind            string `json:"kind"`
	APIVersion      string `json:"apiVersion"`
	ResourceVersion string `json:"resourceVersion"`
	Data            string `json:"data"`
}

// KindCount is the number of stored objects of one kind
type KindCount struct {
	Kind       string
	APIVersion string
	Count      int
}

const selectColumns = `SELECT id, uid, name, namespace, kind, api_version, resource_version, data FROM resources`

// New opens (or creates) the database at dbPath
func New(dbPath string) (*ResourceStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for database: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	store := &ResourceStore{
		db:   db,
		path: dbPath,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *ResourceStore) initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS resources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			namespace TEXT NOT NULL,
			kind TEXT NOT NULL,
			api_version TEXT NOT NULL,
			resource_version TEXT NOT NULL,
			data TEXT NOT NULL,
			UNIQUE(kind, api_version, namespace, name)
		);
		CREATE INDEX IF NOT EXISTS idx_resources_search ON resources(name, namespace, kind);
	`)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// Path returns the database file location
func (s *ResourceStore) Path() string {
	return s.path
}

// Close closes the database connection
func (s *ResourceStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Upsert adds or replaces an object
func (s *ResourceStore) Upsert(resource Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO resources (uid, name, namespace, kind, api_version, resource_version, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, api_version, namespace, name)
		DO UPDATE SET uid = excluded.uid, resource_version = excluded.resource_version, data = excluded.data
	`, resource.UID, resource.Name, resource.Namespace, resource.Kind, resource.APIVersion,
		resource.ResourceVersion, resource.Data)

	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}

	return nil
}

// Delete removes an object
func (s *ResourceStore) Delete(kind, apiVersion, namespace, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM resources
		WHERE kind = ? AND api_version = ? AND namespace = ? AND name = ?
	`, kind, apiVersion, namespace, name)

	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}

	return nil
}

// DeleteKind removes every object of a kind. Used when a watch session
// resynchronizes and will replay all objects.
func (s *ResourceStore) DeleteKind(kind, apiVersion string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM resources WHERE kind = ? AND api_version = ?`, kind, apiVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s objects: %w", kind, err)
	}
	return res.RowsAffected()
}

// Get returns a single object
func (s *ResourceStore) Get(kind, apiVersion, namespace, name string) (Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectColumns+`
		WHERE kind = ? AND api_version = ? AND namespace = ? AND name = ?
	`, kind, apiVersion, namespace, name)

	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, ErrNotFound
	}
	if err != nil {
		return Resource{}, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// Search matches query against name, namespace, kind and uid
func (s *ResourceStore) Search(query string) ([]Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rows *sql.Rows
		err  error
	)
	if query == "" {
		rows, err = s.db.Query(selectColumns + `
			ORDER BY namespace, kind, name
			LIMIT 100
		`)
	} else {
		pattern := "%" + query + "%"
		rows, err = s.db.Query(selectColumns+`
			WHERE name LIKE ? OR namespace LIKE ? OR kind LIKE ? OR uid LIKE ?
			ORDER BY namespace, kind, name
			LIMIT 100
		`, pattern, pattern, pattern, pattern)
	}
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close()

	var resources []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		resources = append(resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return resources, nil
}

// ResourceCount returns the total number of stored objects
func (s *ResourceStore) ResourceCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM resources").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count resources: %w", err)
	}
	return count, nil
}

// CountByKind returns object counts grouped by kind
func (s *ResourceStore) CountByKind() ([]KindCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT kind, api_version, COUNT(*) FROM resources
		GROUP BY kind, api_version
		ORDER BY kind, api_version
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count resources: %w", err)
	}
	defer rows.Close()

	var counts []KindCount
	for rows.Next() {
		var c KindCount
		if err := rows.Scan(&c.Kind, &c.APIVersion, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// CleanDatabase removes all objects
func (s *ResourceStore) CleanDatabase() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM resources"); err != nil {
		return fmt.Errorf("failed to clean database: %w", err)
	}
	return nil
}

// Debug logs database statistics
func (s *ResourceStore) Debug() {
	counts, err := s.CountByKind()
	if err != nil {
		log.Warnf("Failed to get resource count: %v", err)
		return
	}
	for _, c := range counts {
		log.Debugf("Database contains %d %s (%s)", c.Count, c.Kind, c.APIVersion)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResource(row scanner) (Resource, error) {
	var r Resource
	err := row.Scan(&r.ID, &r.UID, &r.Name, &r.Namespace, &r.Kind, &r.APIVersion, &r.ResourceVersion, &r.Data)
	return r, err
}
