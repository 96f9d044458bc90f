package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/database"
)

// openDatabases opens and migrates the four databases. The pool and policy
// databases hold money-adjacent state and run on the ledger profile; the
// oracle and chain databases take the standard profile.
func openDatabases(dataDir string, log zerolog.Logger) (oracleDB, poolDB, policyDB, chainDB *database.DB, err error) {
	specs := []struct {
		name    string
		profile database.Profile
		out     **database.DB
	}{
		{"oracle", database.ProfileStandard, &oracleDB},
		{"pool", database.ProfileLedger, &poolDB},
		{"policy", database.ProfileLedger, &policyDB},
		{"chain", database.ProfileStandard, &chainDB},
	}

	opened := make([]*database.DB, 0, len(specs))
	closeOpened := func() {
		for _, db := range opened {
			_ = db.Close()
		}
	}

	for _, spec := range specs {
		db, openErr := database.New(database.Config{
			Path:    filepath.Join(dataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if openErr != nil {
			closeOpened()
			return nil, nil, nil, nil, fmt.Errorf("failed to open %s database: %w", spec.name, openErr)
		}
		if migrateErr := db.Migrate(); migrateErr != nil {
			closeOpened()
			_ = db.Close()
			return nil, nil, nil, nil, fmt.Errorf("failed to migrate %s database: %w", spec.name, migrateErr)
		}
		log.Info().Str("database", spec.name).Str("profile", string(spec.profile)).Msg("Database ready")
		*spec.out = db
		opened = append(opened, db)
	}

	return oracleDB, poolDB, policyDB, chainDB, nil
}
