package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	_ "modernc.org/sqlite"

	"github.com/go-i2p/go-gamerelay/lib/relay/wire"
)

var log = logger.GetGoI2PLogger()

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    conn_name     TEXT PRIMARY KEY,
    session_id    INTEGER NOT NULL,
    cookie        TEXT NOT NULL,
    lang          INTEGER NOT NULL,
    total_players INTEGER NOT NULL,
    is_public     INTEGER NOT NULL DEFAULT 0,
    dead          INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS devices (
    conn_name  TEXT NOT NULL REFERENCES sessions(conn_name) ON DELETE CASCADE,
    host_id    INTEGER NOT NULL,
    players    INTEGER NOT NULL,
    seed       INTEGER NOT NULL,
    ackd       INTEGER NOT NULL DEFAULT 0,
    bytes_sent INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (conn_name, host_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    conn_name TEXT NOT NULL,
    src_host  INTEGER NOT NULL,
    dest_host INTEGER NOT NULL,
    body      BLOB NOT NULL,
    stored_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_dest
    ON messages (conn_name, dest_host, id);
`

// SQLiteGateway implements Gateway over a single SQLite file.
type SQLiteGateway struct {
	db  *sql.DB
	now func() time.Time
}

var _ Gateway = (*SQLiteGateway)(nil)

// OpenSQLite opens (creating if needed) the relay database at path and
// applies the schema.
func OpenSQLite(path string) (*SQLiteGateway, error) {
	if strings.TrimSpace(path) == "" {
		return nil, oops.Errorf("database path is required")
	}
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, oops.Errorf("opening sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, oops.Errorf("pinging sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, oops.Errorf("applying schema: %w", err)
	}
	log.WithField("path", path).Debug("opened relay database")
	return &SQLiteGateway{db: db, now: time.Now}, nil
}

func (g *SQLiteGateway) FindOpenSession(ctx context.Context, cookie string, lang uint8, totalPlayers, localPlayers uint8, public bool) (*SessionMeta, error) {
	const q = `
SELECT s.conn_name, s.session_id, s.cookie, s.lang, s.total_players, s.is_public,
       COALESCE((SELECT SUM(players) FROM devices d WHERE d.conn_name = s.conn_name), 0)
FROM sessions s
WHERE s.cookie = ? AND s.lang = ? AND s.total_players = ? AND s.is_public = ?
  AND s.dead = 0
ORDER BY s.created_at
`
	rows, err := g.db.QueryContext(ctx, q, cookie, lang, totalPlayers, boolInt(public))
	if err != nil {
		return nil, oops.Errorf("querying open sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var meta SessionMeta
		var isPublic int
		var here int
		if err := rows.Scan(&meta.ConnName, &meta.SessionID, &meta.Cookie, &meta.Lang,
			&meta.TotalPlayers, &isPublic, &here); err != nil {
			return nil, oops.Errorf("scanning session row: %w", err)
		}
		// Still-filling means this device's players fit under the total.
		if here+int(localPlayers) > int(meta.TotalPlayers) {
			continue
		}
		meta.Public = isPublic != 0
		meta.PlayersHere = uint8(here)
		return &meta, nil
	}
	return nil, rows.Err()
}

func (g *SQLiteGateway) FindSessionByName(ctx context.Context, connName string) (*SessionMeta, error) {
	const q = `
SELECT s.conn_name, s.session_id, s.cookie, s.lang, s.total_players, s.is_public, s.dead,
       COALESCE((SELECT SUM(players) FROM devices d WHERE d.conn_name = s.conn_name), 0)
FROM sessions s
WHERE s.conn_name = ?
`
	var meta SessionMeta
	var isPublic, dead, here int
	err := g.db.QueryRowContext(ctx, q, connName).Scan(&meta.ConnName, &meta.SessionID,
		&meta.Cookie, &meta.Lang, &meta.TotalPlayers, &isPublic, &dead, &here)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Errorf("querying session %q: %w", connName, err)
	}
	if dead != 0 {
		return nil, nil
	}
	meta.Public = isPublic != 0
	meta.PlayersHere = uint8(here)
	return &meta, nil
}

func (g *SQLiteGateway) CreateSession(ctx context.Context, meta SessionMeta) error {
	const q = `
INSERT INTO sessions (conn_name, session_id, cookie, lang, total_players, is_public, dead, created_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?)
`
	_, err := g.db.ExecContext(ctx, q, meta.ConnName, meta.SessionID, meta.Cookie,
		meta.Lang, meta.TotalPlayers, boolInt(meta.Public), g.now().UnixMilli())
	if err != nil {
		return oops.Errorf("creating session %q: %w", meta.ConnName, err)
	}
	return nil
}

func (g *SQLiteGateway) KillSession(ctx context.Context, connName string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE sessions SET dead = 1 WHERE conn_name = ?`, connName)
	if err != nil {
		return oops.Errorf("killing session %q: %w", connName, err)
	}
	return nil
}

func (g *SQLiteGateway) AddDevice(ctx context.Context, connName string, hid wire.HostID, playerCount uint8, seed wire.Seed) (wire.HostID, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return wire.HostNone, oops.Errorf("beginning add-device tx: %w", err)
	}
	defer tx.Rollback()

	if hid == wire.HostNone {
		// Lowest unused identifier, slot 1 included: the first admitted
		// device takes the designated-host slot.
		const q = `SELECT host_id FROM devices WHERE conn_name = ? ORDER BY host_id`
		rows, err := tx.QueryContext(ctx, q, connName)
		if err != nil {
			return wire.HostNone, oops.Errorf("listing device slots: %w", err)
		}
		next := wire.HostDesignated
		for rows.Next() {
			var used int
			if err := rows.Scan(&used); err != nil {
				rows.Close()
				return wire.HostNone, oops.Errorf("scanning device slot: %w", err)
			}
			if wire.HostID(used) == next {
				next++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wire.HostNone, oops.Errorf("listing device slots: %w", err)
		}
		hid = next
	}

	// An explicit slot may carry a row from the device's previous life;
	// reconnecting reclaims it.
	const ins = `
INSERT INTO devices (conn_name, host_id, players, seed, ackd) VALUES (?, ?, ?, ?, 0)
ON CONFLICT (conn_name, host_id)
DO UPDATE SET players = excluded.players, seed = excluded.seed, ackd = 0
`
	if _, err := tx.ExecContext(ctx, ins, connName, hid, playerCount, seed); err != nil {
		return wire.HostNone, oops.Errorf("adding device %d to %q: %w", hid, connName, err)
	}
	if err := tx.Commit(); err != nil {
		return wire.HostNone, oops.Errorf("committing add-device: %w", err)
	}
	return hid, nil
}

func (g *SQLiteGateway) RemoveDevice(ctx context.Context, connName string, hid wire.HostID) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM devices WHERE conn_name = ? AND host_id = ?`, connName, hid)
	if err != nil {
		return oops.Errorf("removing device %d from %q: %w", hid, connName, err)
	}
	return nil
}

func (g *SQLiteGateway) SetDeviceAckd(ctx context.Context, connName string, hid wire.HostID, ackd bool) error {
	_, err := g.db.ExecContext(ctx, `UPDATE devices SET ackd = ? WHERE conn_name = ? AND host_id = ?`,
		boolInt(ackd), connName, hid)
	if err != nil {
		return oops.Errorf("setting ack flag for device %d in %q: %w", hid, connName, err)
	}
	return nil
}

func (g *SQLiteGateway) RecordBytesSent(ctx context.Context, connName string, hid wire.HostID, n int) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE devices SET bytes_sent = bytes_sent + ? WHERE conn_name = ? AND host_id = ?`,
		n, connName, hid)
	if err != nil {
		return oops.Errorf("recording %d bytes for device %d in %q: %w", n, hid, connName, err)
	}
	return nil
}

func (g *SQLiteGateway) SessionIsFull(ctx context.Context, connName string) (bool, error) {
	const q = `
SELECT s.total_players,
       COALESCE((SELECT SUM(players) FROM devices d WHERE d.conn_name = s.conn_name), 0)
FROM sessions s WHERE s.conn_name = ?
`
	var total, here int
	err := g.db.QueryRowContext(ctx, q, connName).Scan(&total, &here)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, oops.Errorf("checking fullness of %q: %w", connName, err)
	}
	return total > 0 && here >= total, nil
}

func (g *SQLiteGateway) StoreMessage(ctx context.Context, connName string, src, dest wire.HostID, body []byte) (int64, error) {
	res, err := g.db.ExecContext(ctx,
		`INSERT INTO messages (conn_name, src_host, dest_host, body, stored_at) VALUES (?, ?, ?, ?, ?)`,
		connName, src, dest, body, g.now().UnixMilli())
	if err != nil {
		return 0, oops.Errorf("storing message for host %d in %q: %w", dest, connName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, oops.Errorf("reading stored message id: %w", err)
	}
	return id, nil
}

func (g *SQLiteGateway) FetchOldestMessage(ctx context.Context, connName string, dest wire.HostID) (*StoredMessage, error) {
	const q = `
SELECT id, src_host, body FROM messages
WHERE conn_name = ? AND dest_host = ?
ORDER BY id LIMIT 1
`
	msg := &StoredMessage{ConnName: connName, DestHost: dest}
	err := g.db.QueryRowContext(ctx, q, connName, dest).Scan(&msg.ID, &msg.SrcHost, &msg.Body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Errorf("fetching stored message for host %d in %q: %w", dest, connName, err)
	}
	return msg, nil
}

func (g *SQLiteGateway) RemoveMessage(ctx context.Context, id int64) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return oops.Errorf("removing message %d: %w", id, err)
	}
	return nil
}

func (g *SQLiteGateway) Close() error {
	return g.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
