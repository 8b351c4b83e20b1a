package scylla

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gocql/gocql"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

type SessionConfig struct {
	Hosts             []string
	Keyspace          string
	Timeout           time.Duration
	Consistency       gocql.Consistency
	ReplicationFactor int
	Username          string
	Password          string
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Consistency == 0 {
		c.Consistency = gocql.Quorum
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	return c
}

// NewSession ensures the keyspace and tables exist and returns a session
// bound to the keyspace.
func NewSession(ctx context.Context, cfg SessionConfig, logger *slog.Logger) (*gocql.Session, error) {
	cfg = cfg.withDefaults()
	if !keyspacePattern.MatchString(cfg.Keyspace) {
		return nil, fmt.Errorf("invalid keyspace name: %s", cfg.Keyspace)
	}

	base, err := cluster(cfg, "").CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}
	defer base.Close()
	if err := base.Query(keyspaceCQL(cfg.Keyspace, cfg.ReplicationFactor)).WithContext(ctx).Exec(); err != nil {
		return nil, fmt.Errorf("create keyspace: %w", err)
	}

	session, err := cluster(cfg, cfg.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to keyspace %s: %w", cfg.Keyspace, err)
	}
	for _, stmt := range tableCQL(cfg.Keyspace) {
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			session.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	if logger != nil {
		logger.Info("scylla connected", "hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	}
	return session, nil
}

func cluster(cfg SessionConfig, keyspace string) *gocql.ClusterConfig {
	c := gocql.NewCluster(cfg.Hosts...)
	c.Timeout = cfg.Timeout
	c.ConnectTimeout = cfg.Timeout
	c.Consistency = cfg.Consistency
	c.Keyspace = keyspace
	if cfg.Username != "" {
		c.Authenticator = gocql.PasswordAuthenticator{Username: cfg.Username, Password: cfg.Password}
	}
	return c
}

func keyspaceCQL(keyspace string, rf int) string {
	return fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		keyspace, rf,
	)
}

// Message ids are UUIDv7 text, so clustering by id keeps append order.
func tableCQL(keyspace string) []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.conversations (
	id text PRIMARY KEY,
	listing_ref text,
	buyer_id text,
	seller_id text,
	created_at timestamp,
	archived boolean,
	settlement_offer_id text,
	unread text
);`, keyspace),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.messages (
	conversation_id text,
	message_id text,
	sender_id text,
	created_at timestamp,
	kind text,
	content blob,
	delivery text,
	is_read boolean,
	PRIMARY KEY (conversation_id, message_id)
) WITH CLUSTERING ORDER BY (message_id ASC);`, keyspace),
	}
}
