package repo

import (
	"context"
	"database/sql"
	"time"

	"tableside/internal/domain"
)

const qrColumns = `id,code,branch_id,table_id,status,scan_count,last_scanned_at,created_at`

func scanQRCode(row rowScanner) (domain.QRCode, error) {
	var qr domain.QRCode
	var status, createdAt string
	var lastScanned sql.NullString
	err := row.Scan(&qr.ID, &qr.Code, &qr.BranchID, &qr.TableID, &status, &qr.ScanCount, &lastScanned, &createdAt)
	if err == sql.ErrNoRows {
		return qr, ErrNotFound
	}
	if err != nil {
		return qr, err
	}
	qr.Status = domain.QRCodeStatus(status)
	if qr.LastScannedAt, err = parseNullTime(lastScanned); err != nil {
		return qr, err
	}
	qr.CreatedAt, err = ParseTime(createdAt)
	return qr, err
}

func (r Repo) InsertQRCode(ctx context.Context, qr domain.QRCode) error {
	_, err := r.exec(ctx, nil, `INSERT INTO qr_codes(`+qrColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		qr.ID, qr.Code, qr.BranchID, qr.TableID, string(qr.Status), qr.ScanCount, nullableTime(qr.LastScannedAt), FormatTime(qr.CreatedAt))
	return err
}

func (r Repo) GetQRCodeByCode(ctx context.Context, code string) (domain.QRCode, error) {
	return scanQRCode(r.queryRow(ctx, nil, `SELECT `+qrColumns+` FROM qr_codes WHERE code=?`, code))
}

// RecordQRScan bumps the scan counter of a QR code.
func (r Repo) RecordQRScan(ctx context.Context, id string, now time.Time) error {
	res, err := r.exec(ctx, nil, `UPDATE qr_codes SET scan_count=scan_count+1, last_scanned_at=? WHERE id=?`, FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetQRCodeStatus(ctx context.Context, code string, status domain.QRCodeStatus) error {
	res, err := r.exec(ctx, nil, `UPDATE qr_codes SET status=? WHERE code=?`, string(status), code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListQRCodes(ctx context.Context, branchID string) ([]domain.QRCode, error) {
	query := `SELECT ` + qrColumns + ` FROM qr_codes`
	var args []any
	if branchID != "" {
		query += ` WHERE branch_id=?`
		args = append(args, branchID)
	}
	query += ` ORDER BY branch_id ASC, table_id ASC, code ASC`
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QRCode
	for rows.Next() {
		qr, err := scanQRCode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, qr)
	}
	return res, rows.Err()
}
