package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

// GetSubject looks up a subject by code and grade.
func (s *Store) GetSubject(ctx context.Context, code string, grade int) (*types.Subject, error) {
	var sub types.Subject
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, display_name, grade FROM subjects WHERE code = ? AND grade = ?`,
		code, grade).Scan(&sub.ID, &sub.Code, &sub.DisplayName, &sub.Grade)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, edgeerr.ErrNotFound
	case err != nil:
		return nil, s.classify(err)
	}
	return &sub, nil
}

// ListSubjects returns every known subject.
func (s *Store) ListSubjects(ctx context.Context) ([]types.Subject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, display_name, grade FROM subjects ORDER BY grade, code`)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var out []types.Subject
	for rows.Next() {
		var sub types.Subject
		if err := rows.Scan(&sub.ID, &sub.Code, &sub.DisplayName, &sub.Grade); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ListBooks returns the books of one subject.
func (s *Store) ListBooks(ctx context.Context, subjectID int64) ([]types.Book, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, title, source_filename, vkp_version, chunk_count
		 FROM books WHERE subject_id = ? ORDER BY title`, subjectID)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var out []types.Book
	for rows.Next() {
		var b types.Book
		if err := rows.Scan(&b.ID, &b.SubjectID, &b.Title, &b.SourceFilename,
			&b.VKPVersion, &b.ChunkCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InstallRecord captures everything an installation writes in one unit of
// work: the VKP record, the subject (created on first install) and the
// books the package carries.
type InstallRecord struct {
	SubjectCode string
	SubjectName string
	Grade       int
	Version     string
	Hash        string
	ChunkCount  int
	Books       []types.Book
}

// RecordInstall persists the metadata of an installation atomically
// without making it the active version: the subject, the book rows the
// chunks reference, and an inactive install record. SetActiveVKP commits
// the version once the vector collection is live. Recording a (subject,
// grade, version) that already has a row, as a retry after a crashed
// install does, reuses that row.
func (s *Store) RecordInstall(ctx context.Context, rec InstallRecord) (int64, error) {
	var vkpID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Subject appears when the first VKP declaring it installs.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subjects (code, display_name, grade) VALUES (?, ?, ?)
			 ON CONFLICT(code, grade) DO UPDATE SET display_name = excluded.display_name`,
			rec.SubjectCode, rec.SubjectName, rec.Grade); err != nil {
			return fmt.Errorf("upsert subject: %w", err)
		}

		var subjectID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM subjects WHERE code = ? AND grade = ?`,
			rec.SubjectCode, rec.Grade).Scan(&subjectID); err != nil {
			return err
		}

		err := tx.QueryRowContext(ctx,
			`SELECT id FROM vkp_installs WHERE subject_code = ? AND grade = ? AND version = ?`,
			rec.SubjectCode, rec.Grade, rec.Version).Scan(&vkpID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				`INSERT INTO vkp_installs (subject_code, grade, version, hash, chunk_count, active)
				 VALUES (?, ?, ?, ?, ?, 0)`,
				rec.SubjectCode, rec.Grade, rec.Version, rec.Hash, rec.ChunkCount)
			if err != nil {
				return fmt.Errorf("insert vkp record: %w", err)
			}
			vkpID, err = res.LastInsertId()
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE vkp_installs SET hash = ?, chunk_count = ? WHERE id = ?`,
				rec.Hash, rec.ChunkCount, vkpID); err != nil {
				return fmt.Errorf("refresh vkp record: %w", err)
			}
		}

		for _, b := range rec.Books {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO books (subject_id, title, source_filename, vkp_version, chunk_count)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT(subject_id, source_filename) DO UPDATE SET
					title = excluded.title,
					vkp_version = excluded.vkp_version,
					chunk_count = excluded.chunk_count`,
				subjectID, b.Title, b.SourceFilename, rec.Version, b.ChunkCount); err != nil {
				return fmt.Errorf("upsert book %q: %w", b.Title, err)
			}
		}
		return nil
	})
	return vkpID, err
}

// ActiveVKP returns the active installation for (subject, grade).
func (s *Store) ActiveVKP(ctx context.Context, subjectCode string, grade int) (*types.VKPRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subject_code, grade, version, hash, chunk_count, active, installed_at
		 FROM vkp_installs WHERE subject_code = ? AND grade = ? AND active = 1`,
		subjectCode, grade)
	return scanVKP(row, s)
}

// ListVKPs returns every installation record for (subject, grade), newest
// install first.
func (s *Store) ListVKPs(ctx context.Context, subjectCode string, grade int) ([]types.VKPRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_code, grade, version, hash, chunk_count, active, installed_at
		 FROM vkp_installs WHERE subject_code = ? AND grade = ?
		 ORDER BY installed_at DESC, id DESC`, subjectCode, grade)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var out []types.VKPRecord
	for rows.Next() {
		var r types.VKPRecord
		var active int
		if err := rows.Scan(&r.ID, &r.SubjectCode, &r.Grade, &r.Version, &r.Hash,
			&r.ChunkCount, &active, &r.InstalledAt); err != nil {
			return nil, err
		}
		r.Active = active == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetActiveVKP flips the active pointer to the given version, the
// commit step of both install and rollback. The target version must
// already be recorded.
func (s *Store) SetActiveVKP(ctx context.Context, subjectCode string, grade int, version string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM vkp_installs WHERE subject_code = ? AND grade = ? AND version = ?`,
			subjectCode, grade, version).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return edgeerr.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE vkp_installs SET active = 0 WHERE subject_code = ? AND grade = ? AND active = 1`,
			subjectCode, grade); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE vkp_installs SET active = 1 WHERE id = ?`, id)
		return err
	})
}

// DeleteVKP removes an inactive installation record (post-prune).
func (s *Store) DeleteVKP(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM vkp_installs WHERE id = ? AND active = 0`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return edgeerr.ErrNotFound
		}
		return nil
	})
}

func scanVKP(row *sql.Row, s *Store) (*types.VKPRecord, error) {
	var r types.VKPRecord
	var active int
	err := row.Scan(&r.ID, &r.SubjectCode, &r.Grade, &r.Version, &r.Hash,
		&r.ChunkCount, &active, &r.InstalledAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, edgeerr.ErrNotFound
	case err != nil:
		return nil, s.classify(err)
	}
	r.Active = active == 1
	return &r, nil
}
