//go:build integration

package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/accounts/pkg/storage/storagetest"
)

func TestPostgresStore_Integration(t *testing.T) {
	db := storagetest.NewPostgres(t, Migrations())
	r := NewResolver(NewPostgresStore(db), nil, WithBcryptCost(bcrypt.MinCost))
	ctx := context.Background()

	org, err := r.CreateOrganization(ctx, "Acme", "ops@acme.test")
	require.NoError(t, err)

	user, _, err := r.CreateUser(ctx, NewUser{DisplayName: "Jane", Email: "jane@home.test"})
	require.NoError(t, err)
	work, err := r.LinkEmail(ctx, user.ID, "Jane@Acme.test", EmailKindWork, &org.ID, PreVerified())
	require.NoError(t, err)

	t.Run("case-insensitive uniqueness", func(t *testing.T) {
		_, err := r.LinkEmail(ctx, user.ID, "JANE@acme.TEST", EmailKindWork, &org.ID)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("resolve any linked email", func(t *testing.T) {
		for _, address := range []string{"jane@home.test", "jane@acme.test"} {
			resolved, err := r.Resolve(ctx, address)
			require.NoError(t, err)
			assert.Equal(t, user.ID, resolved.ID)
		}
	})

	t.Run("concurrent primary transfer", func(t *testing.T) {
		ids := []int64{work.ID}
		for i := 0; i < 4; i++ {
			e, err := r.LinkEmail(ctx, user.ID, fmt.Sprintf("jane%d@home.test", i), EmailKindPersonal, nil, PreVerified())
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}

		var wg sync.WaitGroup
		for round := 0; round < 5; round++ {
			for _, id := range ids {
				wg.Add(1)
				go func(id int64) {
					defer wg.Done()
					assert.NoError(t, r.SetPrimary(ctx, user.ID, id))
				}(id)
			}
		}
		wg.Wait()

		var primaries int
		require.NoError(t, db.QueryRow(
			`SELECT COUNT(*) FROM linked_emails WHERE user_id = $1 AND is_primary`, user.ID).Scan(&primaries))
		assert.Equal(t, 1, primaries)
	})

	t.Run("concurrent provider provisioning", func(t *testing.T) {
		id := ProviderIdentity{Issuer: "https://idp.test", Subject: "race", Email: "race@home.test"}
		var wg sync.WaitGroup
		results := make([]int64, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				u, _, err := r.ProvisionFromProvider(ctx, id)
				if assert.NoError(t, err) {
					results[i] = u.ID
				}
			}(i)
		}
		wg.Wait()
		for _, got := range results {
			assert.Equal(t, results[0], got)
		}

		var users int
		require.NoError(t, db.QueryRow(
			`SELECT COUNT(DISTINCT user_id) FROM linked_emails WHERE lower(address) = 'race@home.test'`).Scan(&users))
		assert.Equal(t, 1, users)
	})
}
