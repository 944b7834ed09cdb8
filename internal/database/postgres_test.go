package database

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/ruralpay/ledger/internal/logging"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	t.Run("defaults", func(t *testing.T) {
		config := GetConfig()
		assert.Equal(t, "ledger", config.Name)
		assert.Equal(t, 25, config.MaxOpenConns)
		assert.Equal(t, 5*time.Minute, config.ConnMaxLifetime)
		assert.Equal(t, "host=localhost port=5432 user=postgres password=password dbname=ledger sslmode=disable", config.DSN())
	})

	t.Run("overrides", func(t *testing.T) {
		viper.Set("database.host", "db.internal")
		viper.Set("database.ssl_mode", "require")

		config := GetConfig()
		assert.Equal(t, "db.internal", config.Host)
		assert.Contains(t, config.DSN(), "sslmode=require")
	})
}

type fakeMigrator struct {
	upErr   error
	version uint
}

func (f *fakeMigrator) Up() error { return f.upErr }

func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, false, nil }

func TestRunMigrations(t *testing.T) {
	logger := logging.NewNoOpLogger()

	tests := []struct {
		name    string
		upErr   error
		wantErr string
	}{
		{name: "applies pending migrations"},
		{name: "nothing to apply", upErr: migrate.ErrNoChange},
		{name: "dirty version", upErr: migrate.ErrDirty{Version: 1}, wantErr: "migration failed: dirty database version 1"},
		{name: "other failure", upErr: errors.New("permission denied"), wantErr: "migration failed: permission denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runMigrations(&fakeMigrator{upErr: tt.upErr, version: 1}, logger)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestMigrations(t *testing.T) {
	source, err := iofs.New(migrations, "migrations")
	require.NoError(t, err)
	defer source.Close()

	first, err := source.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	_, err = source.Next(first)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	up, err := migrations.ReadFile("migrations/000001_init.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"accounts", "transactions", "transaction_logs", "audit_logs"} {
		assert.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, string(up), "reversal_of")

	down, err := migrations.ReadFile("migrations/000001_init.down.sql")
	require.NoError(t, err)
	assert.Contains(t, string(down), "DROP TABLE IF EXISTS accounts")
}
