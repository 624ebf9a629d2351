package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/civicq/askrank/internal/embedding"
)

// ClusterRow is the persisted form of a cluster. Membership lives on the
// questions table (questions.cluster_id), so a question can only ever point at
// one cluster.
type ClusterRow struct {
	ID          string
	ContestID   string
	Centroid    []float32
	CanonicalID string
	Members     []string
	CreatedAt   time.Time
}

// SaveCluster upserts c, points every member question at it, marks the
// canonical member, and deletes the clusters listed in absorbed. It runs in a
// single transaction so readers never see a question in two clusters.
func (s *Store) SaveCluster(c *ClusterRow, absorbed []string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var centroid []byte
		if c.Centroid != nil {
			centroid = embedding.VecAsBytes(c.Centroid)
		}
		_, err := tx.Exec(
			`INSERT INTO clusters (id, contest_id, centroid, canonical_id, size, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   centroid = excluded.centroid,
			   canonical_id = excluded.canonical_id,
			   size = excluded.size`,
			c.ID, c.ContestID, centroid, c.CanonicalID, len(c.Members), nanos(c.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert cluster: %w", err)
		}
		for _, qid := range c.Members {
			if _, err := tx.Exec(
				"UPDATE questions SET cluster_id = ?, canonical = ? WHERE id = ? AND contest_id = ?",
				c.ID, boolToInt(qid == c.CanonicalID), qid, c.ContestID,
			); err != nil {
				return fmt.Errorf("assign member %s: %w", qid, err)
			}
		}
		for _, id := range absorbed {
			if id == c.ID {
				continue
			}
			if _, err := tx.Exec("DELETE FROM clusters WHERE id = ? AND contest_id = ?", id, c.ContestID); err != nil {
				return fmt.Errorf("delete absorbed cluster %s: %w", id, err)
			}
		}
		return nil
	})
}

// DeleteCluster removes a cluster whose last member left it.
func (s *Store) DeleteCluster(contestID, id string) error {
	if _, err := s.db.Exec("DELETE FROM clusters WHERE id = ? AND contest_id = ?", id, contestID); err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}
	return nil
}

// ListClusters returns the clusters of a contest with their members in
// creation order.
func (s *Store) ListClusters(contestID string) ([]*ClusterRow, error) {
	rows, err := s.db.Query(
		"SELECT id, contest_id, centroid, canonical_id, created_at FROM clusters WHERE contest_id = ? ORDER BY created_at, id",
		contestID,
	)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	var out []*ClusterRow
	byID := make(map[string]*ClusterRow)
	for rows.Next() {
		var c ClusterRow
		var centroid []byte
		var created int64
		if err := rows.Scan(&c.ID, &c.ContestID, &centroid, &c.CanonicalID, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		c.Centroid = embedding.BytesAsVec(centroid)
		c.CreatedAt = fromNanos(created)
		out = append(out, &c)
		byID[c.ID] = &c
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	members, err := s.db.Query(
		"SELECT id, cluster_id FROM questions WHERE contest_id = ? AND cluster_id != '' ORDER BY created_at, id",
		contestID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer members.Close()
	for members.Next() {
		var qid, cid string
		if err := members.Scan(&qid, &cid); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if c, ok := byID[cid]; ok {
			c.Members = append(c.Members, qid)
		}
	}
	return out, members.Err()
}
