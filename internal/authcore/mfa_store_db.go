package authcore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// DatabaseMfaConfigStore persists MFA configuration using GORM. Recovery code
// hashes live in their own table so consumption is a single-row delete.
type DatabaseMfaConfigStore struct {
	db          *gorm.DB
	driverLabel string
}

type mfaConfigRecord struct {
	UserID          string `gorm:"column:user_id;primaryKey"`
	Method          string `gorm:"column:method;not null"`
	SecretEncrypted string `gorm:"column:secret_encrypted;not null"`
	Verified        bool   `gorm:"column:verified;not null;default:false"`
}

func (mfaConfigRecord) TableName() string {
	return "mfa_configs"
}

type mfaRecoveryCodeRecord struct {
	ID       uint   `gorm:"column:id;primaryKey;autoIncrement"`
	UserID   string `gorm:"column:user_id;index;not null"`
	CodeHash string `gorm:"column:code_hash;not null"`
}

func (mfaRecoveryCodeRecord) TableName() string {
	return "mfa_recovery_codes"
}

// NewDatabaseMfaConfigStore constructs a GORM-backed store from a
// postgres:// or sqlite:// URL.
func NewDatabaseMfaConfigStore(ctx context.Context, databaseURL string) (*DatabaseMfaConfigStore, error) {
	gormDB, driverLabel, err := openDialect(ctx, databaseURL, &mfaConfigRecord{}, &mfaRecoveryCodeRecord{})
	if err != nil {
		return nil, err
	}
	return &DatabaseMfaConfigStore{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseMfaConfigStore) Driver() string {
	return store.driverLabel
}

// Get loads the config and its remaining recovery code hashes.
func (store *DatabaseMfaConfigStore) Get(ctx context.Context, userID string) (MfaConfig, error) {
	var record mfaConfigRecord
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return MfaConfig{}, ErrMfaNotConfigured
		}
		return MfaConfig{}, fmt.Errorf("mfa_store.get.%s: %w", store.driverLabel, err)
	}
	var codeRecords []mfaRecoveryCodeRecord
	if listErr := store.db.WithContext(ctx).Where("user_id = ?", userID).Find(&codeRecords).Error; listErr != nil {
		return MfaConfig{}, fmt.Errorf("mfa_store.get.%s: %w", store.driverLabel, listErr)
	}
	hashes := make([]string, 0, len(codeRecords))
	for _, codeRecord := range codeRecords {
		hashes = append(hashes, codeRecord.CodeHash)
	}
	return MfaConfig{
		UserID:             record.UserID,
		Method:             MfaMethod(record.Method),
		SecretEncrypted:    record.SecretEncrypted,
		Verified:           record.Verified,
		RecoveryCodeHashes: hashes,
	}, nil
}

// Put replaces the config and its recovery code set in one transaction.
func (store *DatabaseMfaConfigStore) Put(ctx context.Context, config MfaConfig) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		record := mfaConfigRecord{
			UserID:          config.UserID,
			Method:          string(config.Method),
			SecretEncrypted: config.SecretEncrypted,
			Verified:        config.Verified,
		}
		if saveErr := transaction.Save(&record).Error; saveErr != nil {
			return saveErr
		}
		if deleteErr := transaction.Where("user_id = ?", config.UserID).Delete(&mfaRecoveryCodeRecord{}).Error; deleteErr != nil {
			return deleteErr
		}
		for _, hash := range config.RecoveryCodeHashes {
			codeRecord := mfaRecoveryCodeRecord{UserID: config.UserID, CodeHash: hash}
			if createErr := transaction.Create(&codeRecord).Error; createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mfa_store.put.%s: %w", store.driverLabel, err)
	}
	return nil
}

// ConsumeRecoveryCode deletes the matched hash row inside a transaction so
// two concurrent redemptions of the same code cannot both succeed.
func (store *DatabaseMfaConfigStore) ConsumeRecoveryCode(ctx context.Context, userID string, match func(hash string) bool) (bool, error) {
	consumed := false
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var codeRecords []mfaRecoveryCodeRecord
		if listErr := transaction.Where("user_id = ?", userID).Find(&codeRecords).Error; listErr != nil {
			return listErr
		}
		for _, codeRecord := range codeRecords {
			if match(codeRecord.CodeHash) {
				result := transaction.Where("id = ? AND user_id = ?", codeRecord.ID, userID).Delete(&mfaRecoveryCodeRecord{})
				if result.Error != nil {
					return result.Error
				}
				consumed = result.RowsAffected == 1
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mfa_store.consume.%s: %w", store.driverLabel, err)
	}
	return consumed, nil
}
