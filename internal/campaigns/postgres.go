package campaigns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/events"
)

// PgxPool is satisfied by *pgxpool.Pool and pgxmock.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists campaigns and their contacts.
type PostgresStore struct {
	db PgxPool
}

func NewPostgresStore(db PgxPool) *PostgresStore {
	if db == nil {
		panic("campaigns: db required")
	}
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const campaignColumns = `id, name, trial_id, trial_name, condition, site_id, site_name, message_template, status,
	created_by, total_contacts, sent_count, delivered_count, responded_count, interested_count,
	not_interested_count, opt_out_count, booked_count, error_count, started_at, created_at, updated_at`

const contactColumns = `id, campaign_id, first_name, last_name, phone, email, status, COALESCE(response_type, ''),
	COALESCE(last_response, ''), COALESCE(provider_message_id, ''), conversation_session_id,
	COALESCE(error_message, ''), sent_at, delivered_at, responded_at, opted_out_at, created_at, updated_at`

func (s *PostgresStore) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	query := `
		INSERT INTO campaigns (id, name, trial_id, trial_name, condition, site_id, site_name, message_template, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + campaignColumns
	out, err := scanCampaign(s.db.QueryRow(ctx, query, c.ID, c.Name, c.TrialID, c.TrialName, c.Condition,
		c.SiteID, c.SiteName, c.MessageTemplate, string(StatusDraft), c.CreatedBy))
	if err != nil {
		return Campaign{}, fmt.Errorf("campaigns: insert campaign: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id uuid.UUID) (Campaign, error) {
	c, err := scanCampaign(s.db.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, apperr.Wrap("campaigns: get campaign", apperr.ErrNotFound, nil)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("campaigns: get campaign: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCampaigns(ctx context.Context, status Status) ([]Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC`
	rows, err := s.db.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("campaigns: list campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("campaigns: scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateCampaign(ctx context.Context, id uuid.UUID, u CampaignUpdate) (Campaign, error) {
	query := `
		UPDATE campaigns
		SET name = COALESCE($2, name),
		    trial_name = COALESCE($3, trial_name),
		    condition = COALESCE($4, condition),
		    site_id = COALESCE($5, site_id),
		    site_name = COALESCE($6, site_name),
		    message_template = COALESCE($7, message_template),
		    updated_at = now()
		WHERE id = $1 AND status IN ('draft', 'paused')
		RETURNING ` + campaignColumns
	c, err := scanCampaign(s.db.QueryRow(ctx, query, id, u.Name, u.TrialName, u.Condition, u.SiteID, u.SiteName, u.MessageTemplate))
	if errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, s.missingOrIllegal(ctx, "campaigns: update campaign", id)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("campaigns: update campaign: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id uuid.UUID, to Status, from ...Status) (Campaign, error) {
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	query := `
		UPDATE campaigns
		SET status = $2,
		    started_at = CASE WHEN $2 = 'active' THEN COALESCE(started_at, now()) ELSE started_at END,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + campaignColumns
	c, err := scanCampaign(s.db.QueryRow(ctx, query, id, string(to), allowed))
	if errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, s.missingOrIllegal(ctx, "campaigns: set status", id)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("campaigns: set status: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) DeleteCampaign(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM campaigns WHERE id = $1 AND status <> 'active'`, id)
	if err != nil {
		return fmt.Errorf("campaigns: delete campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrIllegal(ctx, "campaigns: delete campaign", id)
	}
	return nil
}

func (s *PostgresStore) missingOrIllegal(ctx context.Context, op string, id uuid.UUID) error {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	return apperr.Wrap(op, apperr.ErrIllegalTransition, fmt.Errorf("campaign is %s", c.Status))
}

func (s *PostgresStore) AddContacts(ctx context.Context, campaignID uuid.UUID, contacts []Contact) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("campaigns: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperr.Wrap("campaigns: add contacts", apperr.ErrNotFound, nil)
		}
		return 0, fmt.Errorf("campaigns: lock campaign: %w", err)
	}
	if Status(status) == StatusCompleted {
		return 0, apperr.Wrap("campaigns: add contacts", apperr.ErrIllegalTransition, errors.New("campaign is completed"))
	}

	query := `
		INSERT INTO campaign_contacts (id, campaign_id, first_name, last_name, phone, email, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (campaign_id, phone) DO NOTHING
	`
	added := 0
	for _, c := range contacts {
		tag, err := tx.Exec(ctx, query, c.ID, campaignID, c.FirstName, c.LastName, c.Phone, c.Email)
		if err != nil {
			return 0, fmt.Errorf("campaigns: insert contact: %w", err)
		}
		added += int(tag.RowsAffected())
	}
	if _, err := recomputeCampaignCounters(ctx, tx, campaignID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("campaigns: commit contacts: %w", err)
	}
	return added, nil
}

func (s *PostgresStore) GetContact(ctx context.Context, id uuid.UUID) (Contact, error) {
	return s.oneContact(ctx, "campaigns: get contact", `SELECT `+contactColumns+` FROM campaign_contacts WHERE id = $1`, id)
}

func (s *PostgresStore) ListContacts(ctx context.Context, campaignID uuid.UUID, status ContactStatus) ([]Contact, error) {
	return s.contacts(ctx, `SELECT `+contactColumns+`
		FROM campaign_contacts
		WHERE campaign_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at, id`, campaignID, string(status))
}

func (s *PostgresStore) PendingContacts(ctx context.Context, campaignID uuid.UUID, limit int) ([]Contact, error) {
	return s.contacts(ctx, `SELECT `+contactColumns+`
		FROM campaign_contacts
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY created_at, id
		LIMIT $2`, campaignID, limit)
}

func (s *PostgresStore) ContactByProviderMessage(ctx context.Context, providerMessageID string) (Contact, error) {
	return s.oneContact(ctx, "campaigns: contact by message",
		`SELECT `+contactColumns+` FROM campaign_contacts WHERE provider_message_id = $1`, providerMessageID)
}

func (s *PostgresStore) EngagedByPhone(ctx context.Context, phone string) (Contact, error) {
	return s.oneContact(ctx, "campaigns: contact by phone", `SELECT `+contactColumns+`
		FROM campaign_contacts
		WHERE phone = $1 AND sent_at IS NOT NULL AND status NOT IN ('opt_out', 'error')
		ORDER BY sent_at DESC
		LIMIT 1`, phone)
}

func (s *PostgresStore) oneContact(ctx context.Context, op, query string, args ...any) (Contact, error) {
	c, err := scanContact(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, apperr.Wrap(op, apperr.ErrNotFound, nil)
	}
	if err != nil {
		return Contact{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

func (s *PostgresStore) contacts(ctx context.Context, query string, args ...any) ([]Contact, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("campaigns: list contacts: %w", err)
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("campaigns: scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const applyContact = `
	UPDATE campaign_contacts
	SET status = $3,
	    provider_message_id = COALESCE($4, provider_message_id),
	    response_type = COALESCE($5, response_type),
	    last_response = COALESCE($6, last_response),
	    error_message = COALESCE($7, error_message),
	    conversation_session_id = COALESCE($8, conversation_session_id),
	    sent_at = COALESCE(sent_at, $9),
	    delivered_at = COALESCE(delivered_at, $10),
	    responded_at = COALESCE(responded_at, $11),
	    updated_at = now()
	WHERE id = $1 AND status = $2
	RETURNING ` + contactColumns

// ApplyContact performs a guarded transition and re-derives the campaign
// counters in the same transaction.
func (s *PostgresStore) ApplyContact(ctx context.Context, c ContactChange) (Contact, error) {
	if !CanTransition(c.From, c.To) {
		return Contact{}, apperr.Wrap("campaigns: apply", apperr.ErrIllegalTransition, fmt.Errorf("%s -> %s", c.From, c.To))
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Contact{}, fmt.Errorf("campaigns: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p := c.Patch
	out, err := scanContact(tx.QueryRow(ctx, applyContact, c.ContactID, string(c.From), string(c.To),
		p.ProviderMessageID, p.ResponseType, p.LastResponse, p.ErrorMessage, p.ConversationSessionID,
		p.SentAt, p.DeliveredAt, p.RespondedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, apperr.Wrap("campaigns: apply", apperr.ErrIllegalTransition,
			fmt.Errorf("contact %s is no longer %s", c.ContactID, c.From))
	}
	if err != nil {
		return Contact{}, fmt.Errorf("campaigns: update contact: %w", err)
	}
	if c.To == ContactSent && p.SentAt != nil {
		if _, err := tx.Exec(ctx, markPatientMessaged, out.Phone, *p.SentAt); err != nil {
			return Contact{}, fmt.Errorf("campaigns: stamp patient last sms: %w", err)
		}
	}
	if _, err := recomputeCampaignCounters(ctx, tx, out.CampaignID); err != nil {
		return Contact{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contact{}, fmt.Errorf("campaigns: commit contact: %w", err)
	}
	return out, nil
}

// Patient records sharing the phone carry the SMS consent trail.
const (
	markPatientMessaged = `UPDATE patient_contacts SET last_sms_sent_at = $2, updated_at = now() WHERE phone = $1`
	markPatientOptedOut = `UPDATE patient_contacts SET sms_opt_out_at = COALESCE(sms_opt_out_at, $2), updated_at = now() WHERE phone = $1`
)

func (s *PostgresStore) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sms_opt_outs WHERE phone = $1)`, phone).Scan(&exists); err != nil {
		return false, fmt.Errorf("campaigns: check opt out: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) OptOut(ctx context.Context, phone, source, keyword string, at time.Time) (OptOut, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return OptOut{}, fmt.Errorf("campaigns: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res := OptOut{Phone: phone, Keyword: keyword, Source: source}
	tag, err := tx.Exec(ctx, `INSERT INTO sms_opt_outs (phone, source) VALUES ($1, $2) ON CONFLICT (phone) DO NOTHING`, phone, source)
	if err != nil {
		return OptOut{}, fmt.Errorf("campaigns: insert opt out: %w", err)
	}
	res.New = tag.RowsAffected() == 1
	if _, err := tx.Exec(ctx, markPatientOptedOut, phone, at); err != nil {
		return OptOut{}, fmt.Errorf("campaigns: stamp patient opt out: %w", err)
	}

	rows, err := tx.Query(ctx, `
		UPDATE campaign_contacts
		SET status = 'opt_out', opted_out_at = COALESCE(opted_out_at, $2), updated_at = now()
		WHERE phone = $1 AND status <> 'opt_out'
		RETURNING `+contactColumns, phone, at)
	if err != nil {
		return OptOut{}, fmt.Errorf("campaigns: opt out contacts: %w", err)
	}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			rows.Close()
			return OptOut{}, fmt.Errorf("campaigns: scan contact: %w", err)
		}
		res.Contacts = append(res.Contacts, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return OptOut{}, fmt.Errorf("campaigns: opt out contacts: %w", err)
	}

	seen := map[uuid.UUID]bool{}
	for _, c := range res.Contacts {
		if !seen[c.CampaignID] {
			seen[c.CampaignID] = true
			if _, err := recomputeCampaignCounters(ctx, tx, c.CampaignID); err != nil {
				return OptOut{}, err
			}
		}
		if _, err := events.Append(ctx, tx, "campaign_contact:"+c.ID.String(), events.ContactOptedOutV1{
			CampaignID: c.CampaignID.String(),
			ContactID:  c.ID.String(),
			Phone:      phone,
			Keyword:    keyword,
			OccurredAt: at,
		}); err != nil {
			return OptOut{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return OptOut{}, fmt.Errorf("campaigns: commit opt out: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) StatusBreakdown(ctx context.Context, campaignID uuid.UUID) (map[ContactStatus]int, map[string]int, error) {
	statuses := map[ContactStatus]int{}
	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*) FROM campaign_contacts
		WHERE campaign_id = $1
		GROUP BY status`, campaignID)
	if err != nil {
		return nil, nil, fmt.Errorf("campaigns: status breakdown: %w", err)
	}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("campaigns: scan breakdown: %w", err)
		}
		statuses[ContactStatus(st)] = n
	}
	rows.Close()

	responses := map[string]int{}
	rows, err = s.db.Query(ctx, `
		SELECT response_type, COUNT(*) FROM campaign_contacts
		WHERE campaign_id = $1 AND response_type IS NOT NULL
		GROUP BY response_type`, campaignID)
	if err != nil {
		return nil, nil, fmt.Errorf("campaigns: response breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rt string
			n  int
		)
		if err := rows.Scan(&rt, &n); err != nil {
			return nil, nil, fmt.Errorf("campaigns: scan breakdown: %w", err)
		}
		responses[rt] = n
	}
	return statuses, responses, rows.Err()
}

// recomputeCampaignCounters re-derives every counter from the campaign's
// contacts inside the caller's transaction.
func recomputeCampaignCounters(ctx context.Context, tx pgx.Tx, campaignID uuid.UUID) (Campaign, error) {
	query := `
		WITH c AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE sent_at IS NOT NULL) AS sent,
				COUNT(*) FILTER (WHERE delivered_at IS NOT NULL) AS delivered,
				COUNT(*) FILTER (WHERE responded_at IS NOT NULL) AS responded,
				COUNT(*) FILTER (WHERE response_type = 'interested') AS interested,
				COUNT(*) FILTER (WHERE response_type = 'not_interested') AS not_interested,
				COUNT(*) FILTER (WHERE status = 'opt_out') AS opted_out,
				COUNT(*) FILTER (WHERE status = 'booked') AS booked,
				COUNT(*) FILTER (WHERE status = 'error') AS errored
			FROM campaign_contacts
			WHERE campaign_id = $1
		)
		UPDATE campaigns
		SET total_contacts = c.total,
		    sent_count = c.sent,
		    delivered_count = c.delivered,
		    responded_count = c.responded,
		    interested_count = c.interested,
		    not_interested_count = c.not_interested,
		    opt_out_count = c.opted_out,
		    booked_count = c.booked,
		    error_count = c.errored,
		    updated_at = now()
		FROM c
		WHERE campaigns.id = $1
		RETURNING ` + campaignColumns
	out, err := scanCampaign(tx.QueryRow(ctx, query, campaignID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, apperr.Wrap("campaigns: recompute counters", apperr.ErrNotFound, nil)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("campaigns: recompute counters: %w", err)
	}
	return out, nil
}

func scanCampaign(row pgx.Row) (Campaign, error) {
	var (
		c      Campaign
		status string
	)
	err := row.Scan(&c.ID, &c.Name, &c.TrialID, &c.TrialName, &c.Condition, &c.SiteID, &c.SiteName,
		&c.MessageTemplate, &status, &c.CreatedBy, &c.TotalContacts, &c.SentCount, &c.DeliveredCount,
		&c.RespondedCount, &c.InterestedCount, &c.NotInterestedCount, &c.OptOutCount, &c.BookedCount,
		&c.ErrorCount, &c.StartedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Campaign{}, err
	}
	c.Status = Status(status)
	return c, nil
}

func scanContact(row pgx.Row) (Contact, error) {
	var (
		c      Contact
		status string
	)
	err := row.Scan(&c.ID, &c.CampaignID, &c.FirstName, &c.LastName, &c.Phone, &c.Email, &status,
		&c.ResponseType, &c.LastResponse, &c.ProviderMessageID, &c.ConversationSessionID, &c.ErrorMessage,
		&c.SentAt, &c.DeliveredAt, &c.RespondedAt, &c.OptedOutAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Contact{}, err
	}
	c.Status = ContactStatus(status)
	return c, nil
}
