package world

import "github.com/lcx/worldcore/db"

// Login database statements used by the socket handshake.
const (
	LoginSelIPInfo db.StatementID = iota + 1
	LoginSelAccountInfoByName
	LoginSelAccountBanned
	LoginUpdLastIP
	LoginUpdAccountOnline
)

var loginStatements = map[db.StatementID]string{
	LoginSelIPInfo: "SELECT (unbandate > UNIX_TIMESTAMP() OR unbandate = bandate) AS banned " +
		"FROM ip_banned WHERE ip = ?",
	LoginSelAccountInfoByName: "SELECT id, session_key, last_ip, locked, expansion, locale " +
		"FROM account WHERE username = ?",
	LoginSelAccountBanned: "SELECT 1 FROM account_banned WHERE id = ? AND active = 1 " +
		"AND (unbandate > UNIX_TIMESTAMP() OR unbandate = bandate)",
	LoginUpdLastIP:        "UPDATE account SET last_ip = ? WHERE username = ?",
	LoginUpdAccountOnline: "UPDATE account SET online = ? WHERE id = ?",
}

// PrepareLoginStatements registers the handshake statements on the login pool.
func PrepareLoginStatements(pool *db.WorkerPool) {
	for id, sql := range loginStatements {
		pool.PrepareStatement(id, sql)
	}
}

// account row columns of LoginSelAccountInfoByName
const (
	accountColID = iota
	accountColSessionKey
	accountColLastIP
	accountColLocked
	accountColExpansion
	accountColLocale
)
