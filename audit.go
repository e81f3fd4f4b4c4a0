package authbroker

import (
	"database/sql"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/IMQS/log"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

type AuditActionType string

const (
	AuditActionLogin       AuditActionType = "Login"
	AuditActionFailedLogin                 = "Failed Login"
	AuditActionSessionEnd                  = "Session Ended"
)

// Auditor records login events. Sessions themselves are never persisted;
// the audit trail is append-only event history, which is why it may live in
// a database while sessions may not.
type Auditor interface {
	AuditLoginAction(identity, application, remotePeer string, action AuditActionType)
}

// sqlAuditor appends login events to a Postgres table. Writes are best
// effort: a broken audit database degrades to log warnings, it does not
// block logins.
type sqlAuditor struct {
	db  *sql.DB
	log *log.Logger
}

// NewSQLAuditor connects to Postgres and runs the audit schema migrations.
func NewSQLAuditor(connectString string, logger *log.Logger) (*sqlAuditor, error) {
	db, err := migration.Open("postgres", connectString, auditMigrations())
	if err != nil {
		return nil, NewError(ErrInternalFailure, "audit DB: "+err.Error())
	}
	return &sqlAuditor{
		db:  db,
		log: logger,
	}, nil
}

func auditMigrations() []migration.Migrator {
	var migrations []migration.Migrator
	migrations = append(migrations, func(tx migration.LimitedTx) error {
		_, err := tx.Exec(`
		CREATE TABLE authbroker_audit (
			id          VARCHAR PRIMARY KEY,
			at          TIMESTAMP NOT NULL,
			identity    VARCHAR NOT NULL,
			application VARCHAR NOT NULL,
			remote_peer VARCHAR,
			action      VARCHAR NOT NULL
		)`)
		return err
	})
	return migrations
}

func (x *sqlAuditor) AuditLoginAction(identity, application, remotePeer string, action AuditActionType) {
	id, err := uuid.NewRandom()
	if err != nil {
		x.log.Warnf("Failed to generate audit record id: %v", err)
		return
	}
	_, err = x.db.Exec(
		`INSERT INTO authbroker_audit (id, at, identity, application, remote_peer, action) VALUES ($1, $2, $3, $4, $5, $6)`,
		id.String(), time.Now().UTC(), identity, application, remotePeer, string(action))
	if err != nil {
		x.log.Warnf("Failed to write audit record: %v", err)
	}
}

func (x *sqlAuditor) Close() {
	if x.db != nil {
		x.db.Close()
		x.db = nil
	}
}
