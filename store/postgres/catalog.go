package postgres

import (
	"context"
	"fmt"

	tradewind "github.com/tradewindhq/tradewind"
)

// Countries fetches the country reference data. Wired as the countries
// catalog fetcher.
func (s *Store) Countries(ctx context.Context) ([]tradewind.Country, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT country_id, iso3_code, COALESCE(iso2_code, ''), name_en, name_short_en,
		        NOT in_rankings AS frontier
		 FROM classification.location_country
		 WHERE former_country = FALSE
		 ORDER BY country_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch countries: %w", err)
	}
	defer rows.Close()

	var out []tradewind.Country
	for rows.Next() {
		var c tradewind.Country
		if err := rows.Scan(&c.CountryID, &c.ISO3, &c.ISO2, &c.NameEn, &c.NameShortEn, &c.Frontier); err != nil {
			return nil, fmt.Errorf("postgres: scan country: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate countries: %w", err)
	}
	return out, nil
}

// Products fetches a goods classification's product reference data. Wired
// as the products catalog fetcher for the default schema.
func (s *Store) Products(ctx context.Context, schema string) ([]tradewind.Product, error) {
	if !tradewind.ValidSchema(schema) || tradewind.IsServicesSchema(schema) {
		return nil, fmt.Errorf("postgres: not a goods schema: %q", schema)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT product_id, code, name_en, name_short_en, product_level
		 FROM classification.product_%s
		 ORDER BY product_id`, schema))
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch products: %w", err)
	}
	defer rows.Close()
	return scanProducts(rows, schema)
}

// Services fetches the services classification reference data. Wired as the
// services catalog fetcher.
func (s *Store) Services(ctx context.Context) ([]tradewind.Service, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_id, code, name_en, name_short_en, product_level
		 FROM classification.product_services_unilateral
		 ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch services: %w", err)
	}
	defer rows.Close()

	var out []tradewind.Service
	for rows.Next() {
		var svc tradewind.Service
		if err := rows.Scan(&svc.ProductID, &svc.Code, &svc.NameEn, &svc.NameShortEn, &svc.Level); err != nil {
			return nil, fmt.Errorf("postgres: scan service: %w", err)
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate services: %w", err)
	}
	return out, nil
}
