package store

import (
	"context"
	"time"
)

// encryptConnectionSecrets returns the token pair as it should be
// written to the row. With no data key the values pass through.
func (s *Store) encryptConnectionSecrets(conn *Connection) (string, string, error) {
	if s.crypto == nil || conn == nil {
		if conn == nil {
			return "", "", nil
		}
		return conn.AccessToken, conn.RefreshToken, nil
	}
	access, err := s.crypto.Encrypt(conn.AccessToken)
	if err != nil {
		return "", "", err
	}
	refresh, err := s.crypto.Encrypt(conn.RefreshToken)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// hydrateConnectionSecrets decrypts token columns in place. Rows
// written before a data key was configured hold plaintext; those are
// sealed opportunistically on first read.
func (s *Store) hydrateConnectionSecrets(conn *Connection) error {
	if s.crypto == nil || conn == nil {
		return nil
	}
	wasPlain := (conn.AccessToken != "" && !s.crypto.IsEncrypted(conn.AccessToken)) ||
		(conn.RefreshToken != "" && !s.crypto.IsEncrypted(conn.RefreshToken))

	access, err := s.crypto.Decrypt(conn.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.crypto.Decrypt(conn.RefreshToken)
	if err != nil {
		return err
	}

	if wasPlain && conn.ID != 0 {
		encAccess, errA := s.crypto.Encrypt(access)
		encRefresh, errR := s.crypto.Encrypt(refresh)
		if errA == nil && errR == nil {
			_ = s.sealConnectionRow(context.Background(), conn.ID, encAccess, encRefresh)
		}
	}

	conn.AccessToken = access
	conn.RefreshToken = refresh
	return nil
}

func (s *Store) sealConnectionRow(ctx context.Context, id int64, access, refresh string) error {
	db, err := s.ensureDB()
	if err != nil {
		return err
	}
	stmt := s.DB.Rebind("UPDATE connections SET access_token = ?, refresh_token = ?, updated_at = ? WHERE id = ?")
	_, err = db.ExecContext(ctx, stmt, access, refresh, time.Now().UTC(), id)
	return err
}
