package database

import (
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrItemNotFound is returned when a path does not exist in the tree.
var ErrItemNotFound = errors.New("database: item not found")

// ItemRepository handles the virtual filesystem tree.
type ItemRepository struct {
	db executor
}

// NewItemRepository creates a new item repository.
func NewItemRepository(db executor) *ItemRepository {
	return &ItemRepository{db: db}
}

const itemColumns = `id, parent_id, path, name, kind, source, size, segments, is_corrupted, corruption_reason, created_at, updated_at`

func scanItem(row interface{ Scan(...interface{}) error }) (*Item, error) {
	var item Item
	err := row.Scan(
		&item.ID, &item.ParentID, &item.Path, &item.Name, &item.Kind,
		&item.Source, &item.Size, &item.Segments, &item.IsCorrupted,
		&item.CorruptionReason, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetByPath looks up one node by its absolute virtual path.
func (r *ItemRepository) GetByPath(p string) (*Item, error) {
	p = CleanPath(p)

	row := r.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE path = ?`, p)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, p)
		}
		return nil, fmt.Errorf("failed to get item by path: %w", err)
	}
	return item, nil
}

// ListChildren returns the direct children of a directory path, directories
// first, then files, alphabetically within each group.
func (r *ItemRepository) ListChildren(p string) ([]*Item, error) {
	p = CleanPath(p)

	query := `
		SELECT ` + itemColumns + ` FROM items
		WHERE (? = '/' AND parent_id IS NULL) OR parent_id = (SELECT id FROM items WHERE path = ?)
		ORDER BY kind = 'file', name
	`
	rows, err := r.db.Query(query, p, p)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", p, err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// EnsureDirectory creates the directory at p and any missing ancestors,
// returning the leaf. Existing nodes are reused; a file in the way is an
// error.
func (r *ItemRepository) EnsureDirectory(p string) (*Item, error) {
	var leaf *Item
	err := withTransaction(r.db, func(tx executor) error {
		var err error
		leaf, err = ensureDirectoryTx(tx, p)
		return err
	})
	return leaf, err
}

func ensureDirectoryTx(tx executor, p string) (*Item, error) {
	p = CleanPath(p)
	if p == "/" {
		return nil, errors.New("database: cannot create root directory")
	}

	var (
		parentID *int64
		leaf     *Item
	)
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	current := ""
	for _, seg := range segments {
		current += "/" + seg

		row := tx.QueryRow(`SELECT `+itemColumns+` FROM items WHERE path = ?`, current)
		item, err := scanItem(row)
		switch {
		case err == nil:
			if item.Kind != ItemKindDirectory {
				return nil, fmt.Errorf("database: %s exists and is not a directory", current)
			}
		case errors.Is(err, sql.ErrNoRows):
			result, err := tx.Exec(`
				INSERT INTO items (parent_id, path, name, kind, size)
				VALUES (?, ?, ?, 'directory', 0)
			`, parentID, current, seg)
			if err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", current, err)
			}
			id, err := result.LastInsertId()
			if err != nil {
				return nil, fmt.Errorf("failed to get directory id: %w", err)
			}
			item = &Item{ID: id, ParentID: parentID, Path: current, Name: seg, Kind: ItemKindDirectory}
		default:
			return nil, fmt.Errorf("failed to look up %s: %w", current, err)
		}

		id := item.ID
		parentID = &id
		leaf = item
	}

	return leaf, nil
}

// InsertFile adds one file node under an existing directory. Path must be
// absolute; the parent directory is resolved from it.
func (r *ItemRepository) InsertFile(item *Item) error {
	return withTransaction(r.db, func(tx executor) error {
		return insertFileTx(tx, item)
	})
}

func insertFileTx(tx executor, item *Item) error {
	item.Path = CleanPath(item.Path)
	if item.Name == "" {
		item.Name = path.Base(item.Path)
	}

	parent, err := ensureDirectoryTx(tx, path.Dir(item.Path))
	if err != nil {
		return err
	}

	result, err := tx.Exec(`
		INSERT INTO items (parent_id, path, name, kind, source, size, segments, is_corrupted, corruption_reason)
		VALUES (?, ?, ?, 'file', ?, ?, ?, ?, ?)
	`, parent.ID, item.Path, item.Name, item.Source, item.Size, item.Segments,
		item.IsCorrupted, item.CorruptionReason)
	if err != nil {
		return fmt.Errorf("failed to insert file %s: %w", item.Path, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get file id: %w", err)
	}
	item.ID = id
	item.Kind = ItemKindFile
	item.ParentID = &parent.ID
	return nil
}

// InsertTree writes a whole job's files in one transaction so readers never
// observe a half-imported directory.
func (r *ItemRepository) InsertTree(files []*Item) error {
	return withTransaction(r.db, func(tx executor) error {
		for _, f := range files {
			if err := insertFileTx(tx, f); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a node and every descendant.
func (r *ItemRepository) Delete(p string) error {
	p = CleanPath(p)
	if p == "/" {
		return errors.New("database: refusing to delete root")
	}

	result, err := r.db.Exec(`DELETE FROM items WHERE path = ? OR path LIKE ? || '/%'`, p, p)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, p)
	}
	return nil
}

// MarkCorrupted flags a file so reads can fail fast with the stored reason.
func (r *ItemRepository) MarkCorrupted(p string, reason string) error {
	p = CleanPath(p)
	_, err := r.db.Exec(`
		UPDATE items SET is_corrupted = 1, corruption_reason = ?, updated_at = datetime('now')
		WHERE path = ?
	`, reason, p)
	if err != nil {
		return fmt.Errorf("failed to mark %s corrupted: %w", p, err)
	}
	return nil
}

// CleanPath normalizes a virtual path to absolute, '/'-separated,
// no trailing slash form.
func CleanPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return p
}
