package qr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tableside/internal/domain"
	"tableside/internal/repo"
)

var (
	ErrNotFound = errors.New("qr code not found")
	ErrInactive = errors.New("qr code inactive")
)

// Validator resolves a scanned code to the table it is bound to.
type Validator interface {
	Validate(ctx context.Context, code string) (domain.QRCode, error)
	RecordScan(ctx context.Context, qrCodeID string) error
}

// Store validates codes against the qr_codes table.
type Store struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) Validate(ctx context.Context, code string) (domain.QRCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.QRCode{}, ErrNotFound
	}
	qr, err := s.Repo.GetQRCodeByCode(ctx, code)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.QRCode{}, ErrNotFound
	}
	if err != nil {
		return domain.QRCode{}, err
	}
	if qr.Status != domain.QRCodeActive {
		return qr, ErrInactive
	}
	return qr, nil
}

func (s Store) RecordScan(ctx context.Context, qrCodeID string) error {
	return s.Repo.RecordQRScan(ctx, qrCodeID, s.now().UTC())
}

// Register binds a new code to a branch table.
func (s Store) Register(ctx context.Context, code, branchID, tableID string) (domain.QRCode, error) {
	code, branchID, tableID = strings.TrimSpace(code), strings.TrimSpace(branchID), strings.TrimSpace(tableID)
	if code == "" || branchID == "" || tableID == "" {
		return domain.QRCode{}, fmt.Errorf("code, branch and table are required")
	}
	qr := domain.QRCode{
		ID:        uuid.NewString(),
		Code:      code,
		BranchID:  branchID,
		TableID:   tableID,
		Status:    domain.QRCodeActive,
		CreatedAt: s.now().UTC(),
	}
	if err := s.Repo.InsertQRCode(ctx, qr); err != nil {
		return domain.QRCode{}, fmt.Errorf("insert qr code: %w", err)
	}
	return qr, nil
}

func (s Store) Disable(ctx context.Context, code string) error {
	return s.Repo.SetQRCodeStatus(ctx, code, domain.QRCodeInactive)
}

func (s Store) Enable(ctx context.Context, code string) error {
	return s.Repo.SetQRCodeStatus(ctx, code, domain.QRCodeActive)
}

func (s Store) List(ctx context.Context, branchID string) ([]domain.QRCode, error) {
	return s.Repo.ListQRCodes(ctx, branchID)
}
