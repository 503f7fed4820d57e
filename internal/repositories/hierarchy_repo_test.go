package repositories

import (
	"context"
	"testing"
	"time"

	"mohierarchy/internal/models"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type HierarchyRepoTestSuite struct {
	suite.Suite
	mock    pgxmock.PgxPoolIface
	repo    HierarchyRepository
	context context.Context
}

func (suite *HierarchyRepoTestSuite) SetupTest() {
	mock, err := pgxmock.NewPool()
	assert.NoError(suite.T(), err)
	suite.mock = mock
	suite.repo = NewHierarchyRepo(mock)
	suite.context = context.Background()
}

func (suite *HierarchyRepoTestSuite) TearDownTest() {
	assert.NoError(suite.T(), suite.mock.ExpectationsWereMet())
	suite.mock.Close()
}

func TestHierarchyRepoTestSuite(t *testing.T) {
	suite.Run(t, new(HierarchyRepoTestSuite))
}

var hierarchyRowColumns = []string{"id", "name", "description", "author", "status", "create_empty_nodes", "created_at", "updated_at"}

func (suite *HierarchyRepoTestSuite) TestCreate_DefaultsStatusToNew() {
	h := &models.Hierarchy{Name: "sites", Author: "ops"}
	now := time.Now()

	suite.mock.ExpectQuery(`INSERT INTO hierarchy \(name, description, author, status, create_empty_nodes, created_at, updated_at\)`).
		WithArgs("sites", "", "ops", models.HierarchyStatusNew, false).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(4), now, now))

	err := suite.repo.Create(suite.context, h)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(4), h.ID)
	assert.Equal(suite.T(), models.HierarchyStatusNew, h.Status)
}

func (suite *HierarchyRepoTestSuite) TestGetByID_Success() {
	now := time.Now()
	suite.mock.ExpectQuery(`FROM hierarchy WHERE id = \$1`).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows(hierarchyRowColumns).
			AddRow(int64(4), "sites", "", "ops", models.HierarchyStatusComplete, true, now, now))

	h, err := suite.repo.GetByID(suite.context, 4)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "sites", h.Name)
	assert.True(suite.T(), h.CreateEmptyNodes)
	assert.Equal(suite.T(), models.HierarchyStatusComplete, h.Status)
}

func (suite *HierarchyRepoTestSuite) TestGetByID_NotFound() {
	suite.mock.ExpectQuery(`FROM hierarchy WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	h, err := suite.repo.GetByID(suite.context, 9)
	assert.ErrorIs(suite.T(), err, pgx.ErrNoRows)
	assert.Nil(suite.T(), h)
}

func (suite *HierarchyRepoTestSuite) TestList() {
	now := time.Now()
	suite.mock.ExpectQuery(`FROM hierarchy ORDER BY id`).
		WillReturnRows(pgxmock.NewRows(hierarchyRowColumns).
			AddRow(int64(1), "a", "", "", models.HierarchyStatusNew, false, now, now).
			AddRow(int64(2), "b", "", "", models.HierarchyStatusError, false, now, now))

	list, err := suite.repo.List(suite.context)
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), list, 2)
	assert.Equal(suite.T(), "b", list[1].Name)
}

func (suite *HierarchyRepoTestSuite) TestSetStatus() {
	suite.mock.ExpectExec(`UPDATE hierarchy SET status = \$2, updated_at = NOW\(\) WHERE id = \$1`).
		WithArgs(int64(4), models.HierarchyStatusInProcess).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	assert.NoError(suite.T(), suite.repo.SetStatus(suite.context, 4, models.HierarchyStatusInProcess))
}

func (suite *HierarchyRepoTestSuite) TestDelete() {
	suite.mock.ExpectExec(`DELETE FROM hierarchy WHERE id = \$1`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	assert.NoError(suite.T(), suite.repo.Delete(suite.context, 4))
}
