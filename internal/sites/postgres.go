package sites

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
)

// Querier is satisfied by *pgxpool.Pool and pgxmock.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore reads location_site_mappings.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	if db == nil {
		panic("sites: db required")
	}
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const mappingColumns = `
	id, location_name, city_code, site_id, site_name, COALESCE(specialty, ''),
	is_default, priority, address_line, city, state, postal_code, coordinator_email
`

func (s *PostgresStore) ListByCity(ctx context.Context, cityCode string) ([]Mapping, error) {
	query := `SELECT ` + mappingColumns + `
		FROM location_site_mappings
		WHERE is_active AND (city_code = $1 OR site_name LIKE $2)
		ORDER BY is_default DESC, priority DESC, id
	`
	rows, err := s.db.Query(ctx, query, cityCode, cityCode+" -%")
	if err != nil {
		return nil, fmt.Errorf("sites: list by city: %w", err)
	}
	return scanMappings(rows)
}

func (s *PostgresStore) SearchByLocation(ctx context.Context, text string) ([]Mapping, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	query := `SELECT ` + mappingColumns + `
		FROM location_site_mappings
		WHERE is_active AND location_name ILIKE $1
		ORDER BY is_default DESC, priority DESC, id
	`
	rows, err := s.db.Query(ctx, query, "%"+escapeLike(text)+"%")
	if err != nil {
		return nil, fmt.Errorf("sites: search by location: %w", err)
	}
	return scanMappings(rows)
}

// Site returns the preferred mapping row for a remote site id.
func (s *PostgresStore) Site(ctx context.Context, siteID string) (Mapping, error) {
	query := `SELECT ` + mappingColumns + `
		FROM location_site_mappings
		WHERE is_active AND site_id = $1
		ORDER BY is_default DESC, priority DESC, id
		LIMIT 1
	`
	rows, err := s.db.Query(ctx, query, siteID)
	if err != nil {
		return Mapping{}, fmt.Errorf("sites: get site: %w", err)
	}
	found, err := scanMappings(rows)
	if err != nil {
		return Mapping{}, err
	}
	if len(found) == 0 {
		return Mapping{}, apperr.Wrap("sites: get site "+siteID, apperr.ErrNotFound, nil)
	}
	return found[0], nil
}

func (s *PostgresStore) ListCityCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT city_code
		FROM location_site_mappings
		WHERE is_active
		ORDER BY city_code
	`)
	if err != nil {
		return nil, fmt.Errorf("sites: list city codes: %w", err)
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("sites: scan city code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func scanMappings(rows pgx.Rows) ([]Mapping, error) {
	defer rows.Close()
	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(
			&m.ID,
			&m.LocationName,
			&m.CityCode,
			&m.SiteID,
			&m.SiteName,
			&m.Specialty,
			&m.IsDefault,
			&m.Priority,
			&m.AddressLine,
			&m.City,
			&m.State,
			&m.PostalCode,
			&m.CoordinatorEmail,
		); err != nil {
			return nil, fmt.Errorf("sites: scan mapping: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sites: iterate mappings: %w", err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
