package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/rental-calendar-sync/backend/internal/storage/models"
)

// IssueRepository persists unresolved sync issues.
type IssueRepository struct {
	BaseRepository
}

// NewIssueRepository creates a new issue repository.
func NewIssueRepository(db *DB) *IssueRepository {
	return &IssueRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const issueColumns = `id, organization_id, kind, source, external_id, candidates, start_date, end_date,
	message, status, fingerprint, occurrences, first_seen_at, last_seen_at, resolved_at`

// Record stores an issue. A repeat of an existing fingerprint bumps its
// occurrence count, refreshes the message and reopens it if it was resolved.
func (r *IssueRepository) Record(ctx context.Context, issue *models.UnresolvedIssue) error {
	if issue.Candidates == nil {
		issue.Candidates = []string{}
	}
	candidates, err := json.Marshal(issue.Candidates)
	if err != nil {
		return fmt.Errorf("encoding candidates: %w", err)
	}

	now := r.Now()
	newID := GenerateID()

	var storedID string
	err = r.DB().QueryRowContext(ctx, `
		INSERT INTO unresolved_issues (
			id, organization_id, kind, source, external_id, candidates, start_date, end_date,
			message, status, fingerprint, occurrences, first_seen_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (organization_id, fingerprint) DO UPDATE SET
			message = excluded.message,
			candidates = excluded.candidates,
			occurrences = unresolved_issues.occurrences + 1,
			last_seen_at = excluded.last_seen_at,
			status = 'open',
			resolved_at = NULL
		RETURNING id
	`,
		newID, issue.OrganizationID, issue.Kind, issue.Source, issue.ExternalID, string(candidates),
		nullString(issue.StartDate), nullString(issue.EndDate), issue.Message,
		models.IssueStatusOpen, issue.Fingerprint, now, now,
	).Scan(&storedID)
	if err != nil {
		return fmt.Errorf("recording issue: %w", err)
	}

	issue.ID = storedID
	issue.Status = models.IssueStatusOpen
	issue.LastSeenAt = now
	return nil
}

// IssueQuery filters List. Status "all" or "" matches every status.
type IssueQuery struct {
	OrganizationID string
	Status         string
	Limit          int
	Offset         int
}

// List returns one page of issues, most recently seen first, and the total
// number of matching issues.
func (r *IssueRepository) List(ctx context.Context, q IssueQuery) ([]models.UnresolvedIssue, int, error) {
	where := "WHERE organization_id = ?"
	args := []any{q.OrganizationID}
	if q.Status != "" && q.Status != "all" {
		where += " AND status = ?"
		args = append(args, q.Status)
	}

	var total int
	if err := r.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM unresolved_issues "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting issues: %w", err)
	}

	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM unresolved_issues `+where+`
		ORDER BY last_seen_at DESC, id
		LIMIT ? OFFSET ?
	`, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying issues: %w", err)
	}
	defer rows.Close()

	var issues []models.UnresolvedIssue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning issue: %w", err)
		}
		issues = append(issues, *issue)
	}
	return issues, total, rows.Err()
}

// GetByID retrieves an issue.
func (r *IssueRepository) GetByID(ctx context.Context, orgID, id string) (*models.UnresolvedIssue, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+issueColumns+` FROM unresolved_issues WHERE organization_id = ? AND id = ?
	`, orgID, id)

	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying issue: %w", err)
	}
	return issue, nil
}

// Resolve marks an issue resolved.
func (r *IssueRepository) Resolve(ctx context.Context, orgID, id string) error {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE unresolved_issues SET status = ?, resolved_at = ?
		WHERE organization_id = ? AND id = ?
	`, models.IssueStatusResolved, r.Now(), orgID, id)
	if err != nil {
		return fmt.Errorf("resolving issue: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountOpen returns the number of open issues of an organization.
func (r *IssueRepository) CountOpen(ctx context.Context, orgID string) (int, error) {
	var n int
	if err := r.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM unresolved_issues WHERE organization_id = ? AND status = ?
	`, orgID, models.IssueStatusOpen).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting open issues: %w", err)
	}
	return n, nil
}

func scanIssue(row rowScanner) (*models.UnresolvedIssue, error) {
	var (
		issue      models.UnresolvedIssue
		candidates string
		startDate  sql.NullString
		endDate    sql.NullString
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&issue.ID, &issue.OrganizationID, &issue.Kind, &issue.Source, &issue.ExternalID,
		&candidates, &startDate, &endDate, &issue.Message, &issue.Status, &issue.Fingerprint,
		&issue.Occurrences, &issue.FirstSeenAt, &issue.LastSeenAt, &resolvedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(candidates), &issue.Candidates); err != nil {
		return nil, fmt.Errorf("decoding candidates: %w", err)
	}
	issue.StartDate = stringPtr(startDate)
	issue.EndDate = stringPtr(endDate)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		issue.ResolvedAt = &t
	}
	return &issue, nil
}
