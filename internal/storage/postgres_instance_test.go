package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/tenant"
)

const testAccountID = "acc-test-42"

var instanceColumns = []string{
	"id", "account_id", "user_id", "instance_name", "status", "provider_url", "api_key",
	"phone_number", "last_connected_at", "provider_payload", "created_at", "updated_at",
}

func instanceRow(rows *sqlmock.Rows, inst *model.Instance) *sqlmock.Rows {
	var lastConnected interface{}
	if inst.LastConnectedAt != nil {
		lastConnected = *inst.LastConnectedAt
	}
	return rows.AddRow(inst.ID, inst.AccountID, inst.UserID, inst.InstanceName, string(inst.Status),
		inst.ProviderURL, inst.APIKey, inst.PhoneNumber, lastConnected, []byte(inst.ProviderPayload),
		inst.CreatedAt, inst.UpdatedAt)
}

func testContext() context.Context {
	return tenant.WithAccountID(context.Background(), testAccountID)
}

func TestPostgresRepo_FindInstanceByAccount(t *testing.T) {
	repo, mock := newTestRepo(t, 1)
	inst := model.NewInstance(&model.Instance{ID: 7, AccountID: testAccountID, Status: model.StatusPending})

	query := `SELECT * FROM "instances" WHERE account_id = $1 ORDER BY "instances"."id" LIMIT $2`
	mock.ExpectQuery(query).
		WithArgs(testAccountID, 1).
		WillReturnRows(instanceRow(sqlmock.NewRows(instanceColumns), inst))

	found, err := repo.FindInstanceByAccount(testContext(), testAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), found.ID)
	assert.Equal(t, inst.InstanceName, found.InstanceName)
	assert.Equal(t, model.StatusPending, found.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_FindInstanceByName_NotFound(t *testing.T) {
	repo, mock := newTestRepo(t, 1)

	query := `SELECT * FROM "instances" WHERE instance_name = $1 ORDER BY "instances"."id" LIMIT $2`
	mock.ExpectQuery(query).
		WithArgs("loja_missing_1", 1).
		WillReturnError(gorm.ErrRecordNotFound)

	found, err := repo.FindInstanceByName(testContext(), "loja_missing_1")
	assert.Nil(t, found)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_CreateInstance(t *testing.T) {
	repo, mock := newTestRepo(t, 1)
	inst := model.NewInstance(&model.Instance{AccountID: testAccountID})
	inst.Status = ""

	insert := `INSERT INTO "instances" ("account_id","user_id","instance_name","status","provider_url","api_key","phone_number","last_connected_at","provider_payload","created_at","updated_at") VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING "id"`
	mock.ExpectQuery(insert).
		WithArgs(testAccountID, inst.UserID, inst.InstanceName, "pending", inst.ProviderURL, inst.APIKey,
			"", nil, sqlmock.AnyArg(), AnyTime{}, AnyTime{}).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	err := repo.CreateInstance(testContext(), inst)
	require.NoError(t, err)
	assert.Equal(t, int64(11), inst.ID)
	assert.Equal(t, model.StatusPending, inst.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_CreateInstance_Duplicate(t *testing.T) {
	repo, mock := newTestRepo(t, 1)
	inst := model.NewInstance(&model.Instance{AccountID: testAccountID})

	mock.ExpectQuery(`INSERT INTO "instances" ("account_id","user_id","instance_name","status","provider_url","api_key","phone_number","last_connected_at","provider_payload","created_at","updated_at") VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING "id"`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_instances_account_id"})

	err := repo.CreateInstance(testContext(), inst)
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_UpdateInstance(t *testing.T) {
	repo, mock := newTestRepo(t, 1)
	existing := model.NewInstance(&model.Instance{ID: 5, AccountID: testAccountID, Status: model.StatusConnecting})
	connectedAt := time.Now().UTC()
	phone := "5511999999999"
	connected := model.StatusConnected

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT * FROM "instances" WHERE instance_name = $1 ORDER BY "instances"."id" LIMIT $2 FOR UPDATE`).
		WithArgs(existing.InstanceName, 1).
		WillReturnRows(instanceRow(sqlmock.NewRows(instanceColumns), existing))
	mock.ExpectExec(`UPDATE "instances" SET "last_connected_at"=$1,"phone_number"=$2,"status"=$3,"updated_at"=$4 WHERE "id" = $5`).
		WithArgs(connectedAt, phone, "connected", AnyTime{}, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	change, err := repo.UpdateInstance(testContext(), existing.InstanceName, model.InstanceUpdate{
		Status: &connected, PhoneNumber: &phone, LastConnectedAt: &connectedAt,
	})
	require.NoError(t, err)
	assert.True(t, change.Written)
	assert.True(t, change.StatusChanged())
	assert.Equal(t, model.StatusConnecting, change.Previous.Status)
	assert.Equal(t, model.StatusConnected, change.Current.Status)
	assert.Equal(t, phone, change.Current.PhoneNumber)
	require.NotNil(t, change.Current.LastConnectedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_MutateInstance_NoOp(t *testing.T) {
	repo, mock := newTestRepo(t, 1)
	existing := model.NewInstance(&model.Instance{ID: 5, AccountID: testAccountID, Status: model.StatusConnected})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT * FROM "instances" WHERE instance_name = $1 ORDER BY "instances"."id" LIMIT $2 FOR UPDATE`).
		WithArgs(existing.InstanceName, 1).
		WillReturnRows(instanceRow(sqlmock.NewRows(instanceColumns), existing))
	mock.ExpectCommit()

	change, err := repo.MutateInstance(testContext(), existing.InstanceName, func(current model.Instance) model.InstanceUpdate {
		if current.Status == model.StatusConnected {
			return model.InstanceUpdate{}
		}
		return model.StatusUpdate(model.StatusConnected)
	})
	require.NoError(t, err)
	assert.False(t, change.Written)
	assert.False(t, change.StatusChanged())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_UpdateInstance_NotFound(t *testing.T) {
	repo, mock := newTestRepo(t, 1)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT * FROM "instances" WHERE instance_name = $1 ORDER BY "instances"."id" LIMIT $2 FOR UPDATE`).
		WithArgs("loja_gone_1", 1).
		WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectRollback()

	change, err := repo.UpdateInstance(testContext(), "loja_gone_1", model.StatusUpdate(model.StatusError))
	assert.Nil(t, change)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_RenameInstance(t *testing.T) {
	repo, mock := newTestRepo(t, 1)
	existing := model.NewInstance(&model.Instance{ID: 9, AccountID: testAccountID, Status: model.StatusConnecting})
	newName := "loja_acc-test-42_1718000000123"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT * FROM "instances" WHERE account_id = $1 ORDER BY "instances"."id" LIMIT $2 FOR UPDATE`).
		WithArgs(testAccountID, 1).
		WillReturnRows(instanceRow(sqlmock.NewRows(instanceColumns), existing))
	mock.ExpectExec(`UPDATE "instances" SET "instance_name"=$1,"status"=$2,"updated_at"=$3,"user_id"=$4 WHERE "id" = $5`).
		WithArgs(newName, "pending", AnyTime{}, "user-2", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	change, err := repo.RenameInstance(testContext(), testAccountID, newName, "user-2")
	require.NoError(t, err)
	assert.Equal(t, existing.InstanceName, change.Previous.InstanceName)
	assert.Equal(t, newName, change.Current.InstanceName)
	assert.Equal(t, model.StatusPending, change.Current.Status)
	assert.Equal(t, "user-2", change.Current.UserID)
	assert.Equal(t, int64(9), change.Current.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_CountActiveInstances(t *testing.T) {
	repo, mock := newTestRepo(t, 1)

	mock.ExpectQuery(`SELECT count(*) FROM "instances" WHERE account_id = $1 AND status IN ($2,$3)`).
		WithArgs(testAccountID, "connecting", "connected").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	count, err := repo.CountActiveInstances(testContext(), testAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_CountActiveInstances_RetriesTransient(t *testing.T) {
	repo, mock := newTestRepo(t, 1)
	query := `SELECT count(*) FROM "instances" WHERE account_id = $1 AND status IN ($2,$3)`

	mock.ExpectQuery(query).
		WithArgs(testAccountID, "connecting", "connected").
		WillReturnError(errors.New("read tcp: i/o timeout"))
	mock.ExpectQuery(query).
		WithArgs(testAccountID, "connecting", "connected").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	count, err := repo.CountActiveInstances(testContext(), testAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_FindStaleConnecting(t *testing.T) {
	repo, mock := newTestRepo(t, 1)
	cutoff := time.Now().Add(-10 * time.Minute)
	stale := model.NewInstance(&model.Instance{ID: 3, Status: model.StatusConnecting})

	mock.ExpectQuery(`SELECT * FROM "instances" WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`).
		WithArgs("connecting", cutoff, 50).
		WillReturnRows(instanceRow(sqlmock.NewRows(instanceColumns), stale))

	found, err := repo.FindStaleConnecting(context.Background(), cutoff, 50)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.InstanceName, found[0].InstanceName)
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = repo.FindStaleConnecting(context.Background(), cutoff, 0)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestPostgresRepo_InstanceLimitForAccount(t *testing.T) {
	query := `SELECT * FROM "account_plans" WHERE account_id = $1 ORDER BY "account_plans"."account_id" LIMIT $2`

	t.Run("plan row", func(t *testing.T) {
		repo, mock := newTestRepo(t, 1)
		mock.ExpectQuery(query).
			WithArgs(testAccountID, 1).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "plan_name", "instance_limit", "created_at", "updated_at"}).
				AddRow(testAccountID, "pro", 3, time.Now(), time.Now()))

		limit, err := repo.InstanceLimitForAccount(testContext(), testAccountID)
		require.NoError(t, err)
		assert.Equal(t, 3, limit)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("default when no plan", func(t *testing.T) {
		repo, mock := newTestRepo(t, 2)
		mock.ExpectQuery(query).
			WithArgs(testAccountID, 1).
			WillReturnError(gorm.ErrRecordNotFound)

		limit, err := repo.InstanceLimitForAccount(testContext(), testAccountID)
		require.NoError(t, err)
		assert.Equal(t, 2, limit)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
