package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Bootstrap creates the system tables, seeds the singleton counter
// rows, and creates a default admin user on an empty database.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.seedSingletons(ctx); err != nil {
		return fmt.Errorf("seed singleton rows: %w", err)
	}
	if err := s.seedAdminUser(ctx); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func (s *Store) seedSingletons(ctx context.Context) error {
	seeds := []string{
		"INSERT INTO _server_seq (id, seq) VALUES (1, 0) ON CONFLICT(id) DO NOTHING",
		"INSERT INTO ledger_checkpoints (id, applied_seq) VALUES (1, 0) ON CONFLICT(id) DO NOTHING",
	}
	for _, stmt := range seeds {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _users (id, email, password_hash, username, roles, active, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		pb.Add(uuid.New().String()), pb.Add("admin@localhost"), pb.Add(string(hashBytes)),
		pb.Add("admin"), pb.Add(s.Dialect.ArrayParam([]string{"admin"})), pb.Add(true),
		pb.Add(now), pb.Add(now),
	)
	if _, err := s.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return err
	}

	log.Println("WARNING: Default admin user created (admin@localhost / changeme), change the password immediately.")
	return nil
}
