package postgres

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dmitrijs2005/secvault/internal/common"
	"github.com/dmitrijs2005/secvault/internal/cryptox"
	"github.com/dmitrijs2005/secvault/internal/dbx"
	"github.com/dmitrijs2005/secvault/internal/unblock"
	"golang.org/x/sync/errgroup"
)

type profileKeyRow struct {
	id     int64
	encKey []byte
}

// Rekey replaces the store key: every profile key is unwrapped under
// the old store key, re-wrapped under the new one, and written back;
// the config row naming the store key is updated last.
//
// The whole rotation runs inside one transaction, so no persisted state
// ever references a store key that cannot unwrap it: a failure anywhere
// rolls back to the old key for both the profile rows and the config
// row, and the rekey can simply be retried.
func (b *Backend) Rekey(ctx context.Context, method string, passKey []byte) error {
	m, err := cryptox.ParseStoreKeyMethod(method)
	if err != nil {
		return err
	}

	var newKey *cryptox.StoreKey
	var newRef string
	if err := unblock.Do(ctx, func() error {
		var err error
		newKey, newRef, err = m.Resolve(passKey)
		return err
	}); err != nil {
		return err
	}

	rotated := 0
	err = dbx.WithTx(ctx, b.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		// Snapshot the current wrapped keys.
		rows, err := tx.QueryContext(ctx, qGetProfiles)
		if err != nil {
			return fmt.Errorf("%w: configuration data not found", common.ErrorUnsupported)
		}
		var snapshot []profileKeyRow
		for rows.Next() {
			var row profileKeyRow
			if err := rows.Scan(&row.id, &row.encKey); err != nil {
				rows.Close()
				return dbErr(err)
			}
			snapshot = append(snapshot, row)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return dbErr(err)
		}
		rows.Close()

		// Unwrap under the old key and re-wrap under the new one. The
		// crypto is independent per profile and CPU-bound, so it runs
		// concurrently; row updates stay on the transaction connection.
		rewrapped := make([][]byte, len(snapshot))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i, row := range snapshot {
			g.Go(func() error {
				profileKey, err := b.cache.LoadKey(gctx, row.encKey)
				if err != nil {
					return err
				}
				return unblock.Do(gctx, func() error {
					var err error
					rewrapped[i], err = newKey.WrapProfileKey(profileKey)
					return err
				})
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, row := range snapshot {
			if _, err := tx.ExecContext(ctx, qUpdateProfileKey, rewrapped[i], row.id); err != nil {
				return dbErr(err)
			}
		}

		// Only after every profile is re-wrapped may the store key
		// reference change.
		if _, err := tx.ExecContext(ctx, qUpdateConfigKey, newRef); err != nil {
			return dbErr(err)
		}
		rotated = len(snapshot)
		return nil
	})
	if err != nil {
		return err
	}

	b.cache.SetStoreKey(newKey)
	b.logger.Info(ctx, "store rekeyed", "profiles", rotated)
	return nil
}
